package selector

import (
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvsouth/tor-circmgr/internal/testnet"
	"github.com/cvsouth/tor-circmgr/netdir"
)

func guardNetDir() *netdir.NetDir {
	var relays []netdir.Relay
	for i := 1; i <= 6; i++ {
		relays = append(relays, testnet.Relay(i, netdir.FlagGuard, int64(1000*i)))
	}
	for i := 7; i <= 10; i++ {
		relays = append(relays, testnet.Relay(i, netdir.FlagExit, 2000))
	}
	relays = append(relays, testnet.Relay(11, netdir.FlagV2Dir, 500))
	return testnet.NetDir(relays...)
}

func newSelector(capacity int) *Selector {
	return New(NewOverrides(capacity), slog.New(slog.DiscardHandler))
}

func TestPickRespectsRoleAndPredicate(t *testing.T) {
	nd := guardNetDir()
	s := newSelector(4)
	rng := testnet.Rand(1)
	odd := func(r *netdir.Relay) bool { return r.ID[0]%2 == 1 }

	for _, role := range netdir.Roles {
		for range 100 {
			r, ok := s.Pick(nd, rng, role, odd)
			if role == netdir.RoleBeginDir {
				require.True(t, ok)
				require.Equal(t, testnet.ID(11), r.ID)
				continue
			}
			require.True(t, ok, "role %s", role)
			require.True(t, role.Eligible(r))
			require.True(t, odd(r))
		}
	}
}

func TestPreferredGuardPinning(t *testing.T) {
	nd := guardNetDir()
	s := newSelector(4)
	s.Overrides().SetPreferred(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(1)})
	rng := testnet.Rand(2)

	for range 1000 {
		r, ok := s.Pick(nd, rng, netdir.RoleGuard, nil)
		require.True(t, ok)
		require.Equal(t, testnet.ID(1), r.ID)
	}
	require.Empty(t, s.Overrides().Cached(netdir.RoleGuard))

	// Preferences only apply to their own role.
	r, ok := s.Pick(nd, rng, netdir.RoleExit, nil)
	require.True(t, ok)
	require.True(t, r.Flags.Has(netdir.FlagExit))
}

func TestPreferredIgnoresIneligible(t *testing.T) {
	nd := guardNetDir()
	s := newSelector(4)
	// Relay 7 exists but is not a guard; relay 2 is.
	s.Overrides().SetPreferred(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(7), testnet.ID(2)})
	for range 100 {
		r, ok := s.Pick(nd, testnet.Rand(3), netdir.RoleGuard, nil)
		require.True(t, ok)
		require.Equal(t, testnet.ID(2), r.ID)
	}
}

func TestFilteredPreferredUsesPlanB(t *testing.T) {
	nd := guardNetDir()
	s := newSelector(3)
	s.Overrides().SetPreferred(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(6)})
	notSix := func(r *netdir.Relay) bool { return r.ID != testnet.ID(6) }
	rng := testnet.Rand(5)

	r, ok := s.Pick(nd, rng, netdir.RoleGuard, notSix)
	require.True(t, ok)
	require.NotEqual(t, testnet.ID(6), r.ID)

	cached := s.Overrides().Cached(netdir.RoleGuard)
	require.Len(t, cached, 3)
	for range 200 {
		r, ok = s.Pick(nd, rng, netdir.RoleGuard, notSix)
		require.True(t, ok)
		require.NotEqual(t, testnet.ID(6), r.ID)
		require.Contains(t, cached, r.ID)
	}

	// Without the filter the pin applies again.
	r, ok = s.Pick(nd, rng, netdir.RoleGuard, nil)
	require.True(t, ok)
	require.Equal(t, testnet.ID(6), r.ID)
}

func TestStalePreferredReplenishes(t *testing.T) {
	nd := guardNetDir()
	s := newSelector(4)
	s.Overrides().SetPreferred(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(200)})
	rng := testnet.Rand(4)

	r, ok := s.Pick(nd, rng, netdir.RoleGuard, nil)
	require.True(t, ok)
	require.True(t, r.Flags.Has(netdir.FlagGuard))

	cached := s.Overrides().Cached(netdir.RoleGuard)
	require.Len(t, cached, 4)
	for _, id := range cached {
		g, ok := nd.ByID(id)
		require.True(t, ok)
		require.True(t, g.Flags.Has(netdir.FlagGuard))
	}
	require.Contains(t, cached, r.ID)

	for range 200 {
		r, ok = s.Pick(nd, rng, netdir.RoleGuard, nil)
		require.True(t, ok)
		require.Contains(t, cached, r.ID)
	}
	require.Equal(t, cached, s.Overrides().Cached(netdir.RoleGuard), "cache must not be refilled while valid")
}

func TestCacheRepopulatedAfterDirectoryChange(t *testing.T) {
	s := newSelector(8)
	s.Overrides().SetPreferred(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(200)})
	s.Overrides().setCached(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(1), testnet.ID(2)})

	// New directory knows relay 2 but not relay 1.
	nd := testnet.NetDir(
		testnet.Relay(2, netdir.FlagGuard, 100),
		testnet.Relay(3, netdir.FlagGuard, 100),
	)
	r, ok := s.Pick(nd, testnet.Rand(5), netdir.RoleGuard, nil)
	require.True(t, ok)
	require.Equal(t, testnet.ID(2), r.ID)
	require.Equal(t, []netdir.EdIdentity{testnet.ID(2)}, s.Overrides().Cached(netdir.RoleGuard))

	// A directory knowing none of them forces a refill.
	nd = testnet.NetDir(testnet.Relay(4, netdir.FlagGuard, 100))
	r, ok = s.Pick(nd, testnet.Rand(6), netdir.RoleGuard, nil)
	require.True(t, ok)
	require.Equal(t, testnet.ID(4), r.ID)
	require.Equal(t, []netdir.EdIdentity{testnet.ID(4)}, s.Overrides().Cached(netdir.RoleGuard))
}

func TestPlanBWhenWeightsAreZero(t *testing.T) {
	// A consensus that weights guards at zero in the guard position leaves
	// the weighted draw empty.
	nd, err := netdir.New(netdir.Config{
		Relays: []netdir.Relay{
			testnet.Relay(1, netdir.FlagGuard, 100),
			testnet.Relay(2, netdir.FlagGuard, 0),
		},
		BandwidthWeights: map[string]int64{"Wgg": 0},
	})
	require.NoError(t, err)
	_, ok := nd.PickRelay(testnet.Rand(7), netdir.RoleGuard, nil)
	require.False(t, ok)

	s := newSelector(4)
	for range 50 {
		r, ok := s.Pick(nd, testnet.Rand(7), netdir.RoleGuard, nil)
		require.True(t, ok)
		require.Equal(t, testnet.ID(1), r.ID, "unmeasured relay must not be chosen")
	}
	require.Equal(t, []netdir.EdIdentity{testnet.ID(1)}, s.Overrides().Cached(netdir.RoleGuard))
}

func TestPlanBHonoursPredicateOutsideCache(t *testing.T) {
	nd := guardNetDir()
	s := newSelector(1)
	s.Overrides().SetPreferred(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(200)})
	s.Overrides().setCached(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(1)})

	only3 := func(r *netdir.Relay) bool { return r.ID == testnet.ID(3) }
	r, ok := s.Pick(nd, testnet.Rand(8), netdir.RoleGuard, only3)
	require.True(t, ok)
	require.Equal(t, testnet.ID(3), r.ID)
}

func TestEmptyDirectory(t *testing.T) {
	s := newSelector(4)
	nd := testnet.NetDir()
	for _, role := range netdir.Roles {
		_, ok := s.Pick(nd, testnet.Rand(9), role, nil)
		require.False(t, ok)
	}
	s.Overrides().SetPreferred(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(1)})
	_, ok := s.Pick(nd, testnet.Rand(9), netdir.RoleGuard, nil)
	require.False(t, ok)
}

func TestPickN(t *testing.T) {
	nd := guardNetDir()
	s := newSelector(4)
	rng := testnet.Rand(10)

	rs, ok := s.PickN(nd, rng, 0, netdir.RoleGuard, nil)
	require.True(t, ok)
	require.Empty(t, rs)

	for range 100 {
		rs, ok = s.PickN(nd, rng, 3, netdir.RoleGuard, nil)
		require.True(t, ok)
		require.Len(t, rs, 3)
		requireDistinct(t, rs)
	}

	// A thin pool yields fewer relays than asked for.
	rs, ok = s.PickN(nd, rng, 10, netdir.RoleExit, nil)
	require.True(t, ok)
	require.Len(t, rs, 4)
	requireDistinct(t, rs)

	s.Overrides().SetPreferred(netdir.RoleMiddle, []netdir.EdIdentity{testnet.ID(1), testnet.ID(1), testnet.ID(5)})
	rs, ok = s.PickN(nd, rng, 3, netdir.RoleMiddle, nil)
	require.True(t, ok)
	require.Len(t, rs, 2)
	requireDistinct(t, rs)
}

func TestPickNPlanBReseedsCache(t *testing.T) {
	nd := guardNetDir()
	s := newSelector(3)
	s.Overrides().SetPreferred(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(150), testnet.ID(151)})

	rs, ok := s.PickN(nd, testnet.Rand(11), 2, netdir.RoleGuard, nil)
	require.True(t, ok)
	require.Len(t, rs, 2)
	requireDistinct(t, rs)
	cached := s.Overrides().Cached(netdir.RoleGuard)
	require.Len(t, cached, 3)
	for _, r := range rs {
		require.Contains(t, cached, r.ID)
	}
}

func TestOverridesClearAndState(t *testing.T) {
	o := NewOverrides(2)
	o.SetPreferred(netdir.RoleExit, []netdir.EdIdentity{testnet.ID(1)})
	o.setCached(netdir.RoleExit, []netdir.EdIdentity{testnet.ID(2), testnet.ID(3), testnet.ID(4)})
	require.Len(t, o.Cached(netdir.RoleExit), 2, "cache is bounded by capacity")

	st := o.State()
	require.Equal(t, []netdir.EdIdentity{testnet.ID(2), testnet.ID(3)}, st.Cached["exit"])

	o.Clear(netdir.RoleExit)
	require.Empty(t, o.Preferred(netdir.RoleExit))
	require.Empty(t, o.Cached(netdir.RoleExit))

	o2 := NewOverrides(0)
	require.Equal(t, DefaultCapacity, o2.Capacity())
	o2.Restore(st)
	require.Equal(t, st.Cached["exit"], o2.Cached(netdir.RoleExit))

	// Returned slices are copies.
	ids := o2.Cached(netdir.RoleExit)
	ids[0] = testnet.ID(99)
	require.NotEqual(t, ids, o2.Cached(netdir.RoleExit))
}

func TestConcurrentSelection(t *testing.T) {
	nd := guardNetDir()
	s := newSelector(4)
	s.Overrides().SetPreferred(netdir.RoleGuard, []netdir.EdIdentity{testnet.ID(250)})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := testnet.Rand(uint64(100 + w))
			for i := range 200 {
				if i%50 == 0 {
					s.Overrides().Clear(netdir.RoleMiddle)
				}
				_, ok := s.Pick(nd, rng, netdir.RoleGuard, nil)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}

func requireDistinct(t *testing.T, rs []*netdir.Relay) {
	t.Helper()
	ids := make([]netdir.EdIdentity, 0, len(rs))
	for _, r := range rs {
		require.False(t, slices.Contains(ids, r.ID), "duplicate relay %s", r)
		ids = append(ids, r.ID)
	}
}
