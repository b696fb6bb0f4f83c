package netdir_test

import (
	"math"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cvsouth/tor-circmgr/circerr"
	"github.com/cvsouth/tor-circmgr/internal/testnet"
	"github.com/cvsouth/tor-circmgr/netdir"
)

func mixedNetDir() *netdir.NetDir {
	return testnet.NetDir(
		testnet.Relay(1, netdir.FlagGuard, 5000),
		testnet.Relay(2, netdir.FlagGuard|netdir.FlagExit, 3000),
		testnet.Relay(3, 0, 2000),
		testnet.Relay(4, netdir.FlagExit, 4000),
		testnet.Relay(5, netdir.FlagV2Dir, 1000),
		testnet.Relay(6, netdir.FlagGuard, 0), // unmeasured
	)
}

func TestParseEdIdentity(t *testing.T) {
	id := testnet.ID(7)
	got, err := netdir.ParseEdIdentity(id.String())
	require.NoError(t, err)
	require.Equal(t, id, got)

	got, err = netdir.ParseEdIdentity(id.String() + "=")
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = netdir.ParseEdIdentity("AAAA")
	require.True(t, circerr.IsBadInput(err))

	_, err = netdir.ParseEdIdentity("not base64 at all!")
	require.True(t, circerr.IsBadInput(err))
}

func TestParseFlags(t *testing.T) {
	f, err := netdir.ParseFlags([]string{"Guard", "Running", "Valid", "V2Dir"})
	require.NoError(t, err)
	require.True(t, f.Has(netdir.FlagGuard|netdir.FlagV2Dir))
	require.False(t, f.Has(netdir.FlagExit))
	require.Equal(t, []string{"Guard", "Running", "Valid", "V2Dir"}, f.Names())

	_, err = netdir.ParseFlags([]string{"Guard", "Shiny"})
	require.Error(t, err)
}

func TestPortPolicy(t *testing.T) {
	p, err := netdir.ParsePortPolicy("accept 80,443,8000-8100")
	require.NoError(t, err)
	require.True(t, p.Allows(80))
	require.True(t, p.Allows(8050))
	require.False(t, p.Allows(22))
	require.Equal(t, "accept 80,443,8000-8100", p.String())

	p, err = netdir.ParsePortPolicy("reject 25,119")
	require.NoError(t, err)
	require.False(t, p.Allows(25))
	require.True(t, p.Allows(443))

	var zero netdir.PortPolicy
	require.False(t, zero.Allows(80))

	_, err = netdir.ParsePortPolicy("accept 90-80")
	require.Error(t, err)
	_, err = netdir.ParsePortPolicy("allow 80")
	require.Error(t, err)
}

func TestNewRejectsBadRelays(t *testing.T) {
	_, err := netdir.New(netdir.Config{Relays: []netdir.Relay{testnet.Relay(1, 0, 1), testnet.Relay(1, 0, 1)}})
	require.True(t, circerr.IsBadInput(err))

	_, err = netdir.New(netdir.Config{Relays: []netdir.Relay{{Nickname: "anon"}}})
	require.True(t, circerr.IsBadInput(err))
}

func TestLookup(t *testing.T) {
	nd := mixedNetDir()
	require.Equal(t, 6, nd.Len())

	r, ok := nd.ByID(testnet.ID(3))
	require.True(t, ok)
	require.Equal(t, "relay3", r.Nickname)

	r, ok = nd.ByRSAID(testnet.RSAID(4))
	require.True(t, ok)
	require.Equal(t, testnet.ID(4), r.ID)

	_, ok = nd.ByID(testnet.ID(99))
	require.False(t, ok)

	n := 0
	for r := range nd.Relays() {
		n++
		require.NotNil(t, r)
	}
	require.Equal(t, 6, n)
}

func TestPickRelayHonoursRoleAndPredicate(t *testing.T) {
	nd := mixedNetDir()
	rng := testnet.Rand(1)
	notTwo := func(r *netdir.Relay) bool { return r.ID != testnet.ID(2) }

	for _, role := range netdir.Roles {
		for range 200 {
			r, ok := nd.PickRelay(rng, role, notTwo)
			require.True(t, ok, "role %s", role)
			require.True(t, r.Flags.Has(role.RequiredFlags()|netdir.FlagRunning|netdir.FlagValid))
			require.NotEqual(t, testnet.ID(2), r.ID)
			if role != netdir.RoleUnweighted {
				require.NotEqual(t, testnet.ID(6), r.ID, "zero bandwidth relay drawn")
			}
		}
	}
}

func TestPickRelayNeverReturnsNotRunning(t *testing.T) {
	down := testnet.Relay(1, netdir.FlagGuard, 1000)
	down.Flags &^= netdir.FlagRunning
	invalid := testnet.Relay(2, netdir.FlagGuard, 1000)
	invalid.Flags &^= netdir.FlagValid
	nd := testnet.NetDir(down, invalid)

	for _, role := range netdir.Roles {
		_, ok := nd.PickRelay(testnet.Rand(2), role, nil)
		require.False(t, ok)
	}
}

func TestPickRelayEmpty(t *testing.T) {
	nd := testnet.NetDir()
	_, ok := nd.PickRelay(testnet.Rand(3), netdir.RoleMiddle, nil)
	require.False(t, ok)
	_, ok = nd.PickNRelays(testnet.Rand(3), 3, netdir.RoleMiddle, nil)
	require.False(t, ok)
}

func TestPickNRelays(t *testing.T) {
	nd := mixedNetDir()
	rng := testnet.Rand(4)

	rs, ok := nd.PickNRelays(rng, 0, netdir.RoleMiddle, nil)
	require.True(t, ok)
	require.NotNil(t, rs)
	require.Empty(t, rs)

	for range 100 {
		rs, ok = nd.PickNRelays(rng, 3, netdir.RoleMiddle, nil)
		require.True(t, ok)
		require.Len(t, rs, 3)
		seen := map[netdir.EdIdentity]bool{}
		for _, r := range rs {
			require.False(t, seen[r.ID], "duplicate %s", r)
			seen[r.ID] = true
		}
	}

	// Only relays 1 and 2 are positively weighted guards.
	rs, ok = nd.PickNRelays(rng, 10, netdir.RoleGuard, nil)
	require.True(t, ok)
	require.Len(t, rs, 2)
}

func TestWeightMatrix(t *testing.T) {
	nd := mixedNetDir()
	guard, _ := nd.ByID(testnet.ID(1))
	guardExit, _ := nd.ByID(testnet.ID(2))
	middle, _ := nd.ByID(testnet.ID(3))

	require.Equal(t, uint64(5000*5869), nd.Weight(guard, netdir.RoleGuard))
	require.Equal(t, uint64(5000*4131), nd.Weight(guard, netdir.RoleMiddle))
	require.Equal(t, uint64(3000*4131), nd.Weight(guardExit, netdir.RoleMiddle))
	require.Equal(t, uint64(3000*10000), nd.Weight(guardExit, netdir.RoleExit))
	require.Equal(t, uint64(2000*10000), nd.Weight(middle, netdir.RoleMiddle))
	require.Equal(t, uint64(1), nd.Weight(middle, netdir.RoleUnweighted))
}

func TestHugeWeightsDoNotOverflow(t *testing.T) {
	relays := []netdir.Relay{
		testnet.Relay(1, netdir.FlagGuard, math.MaxInt64),
		testnet.Relay(2, netdir.FlagGuard, math.MaxInt64),
		testnet.Relay(3, netdir.FlagGuard, math.MaxInt64),
		testnet.Relay(4, netdir.FlagGuard, 1),
	}
	nd, err := netdir.New(netdir.Config{
		Relays:           relays,
		BandwidthWeights: map[string]int64{"Wgg": math.MaxInt64},
	})
	require.NoError(t, err)

	r1, _ := nd.ByID(testnet.ID(1))
	require.Equal(t, int64(netdir.MaxBandwidth), r1.Bandwidth)
	require.Equal(t, uint64(netdir.MaxBandwidth)*(1<<31-1), nd.Weight(r1, netdir.RoleGuard))

	rng := testnet.Rand(21)
	counts := map[netdir.EdIdentity]int{}
	for range 3000 {
		r, ok := nd.PickRelay(rng, netdir.RoleGuard, nil)
		require.True(t, ok)
		counts[r.ID]++
	}
	for i := 1; i <= 3; i++ {
		require.InDelta(t, 1000, counts[testnet.ID(i)], 150, "relay %d", i)
	}
	require.Less(t, counts[testnet.ID(4)], 5)

	rs, ok := nd.PickNRelays(rng, 4, netdir.RoleGuard, nil)
	require.True(t, ok)
	require.Len(t, rs, 4)
}

func TestMissingWeightsAreNeutral(t *testing.T) {
	nd, err := netdir.New(netdir.Config{Relays: []netdir.Relay{testnet.Relay(1, netdir.FlagGuard, 10)}})
	require.NoError(t, err)
	r, _ := nd.ByID(testnet.ID(1))
	require.Equal(t, uint64(10*netdir.DefaultWeightScale), nd.Weight(r, netdir.RoleGuard))
}

func TestRelated(t *testing.T) {
	a := testnet.Relay(1, 0, 1)
	b := testnet.Relay(2, 0, 1)
	require.False(t, netdir.Related(&a, &b))
	require.True(t, netdir.Related(&a, &a))

	b.Addrs = []netip.AddrPort{netip.MustParseAddrPort("10.1.200.7:443")}
	require.True(t, netdir.InSameSubnet(&a, &b))

	b = testnet.Relay(2, 0, 1)
	a.Family = []netdir.RSAIdentity{b.RSAID}
	require.False(t, netdir.InSameFamily(&a, &b), "family must be mutual")
	b.Family = []netdir.RSAIdentity{a.RSAID}
	require.True(t, netdir.Related(&a, &b))

	v6a := testnet.Relay(3, 0, 1)
	v6a.Addrs = []netip.AddrPort{netip.MustParseAddrPort("[2001:db8:1::1]:443")}
	v6b := testnet.Relay(4, 0, 1)
	v6b.Addrs = []netip.AddrPort{netip.MustParseAddrPort("[2001:db8:ffff::2]:443")}
	require.True(t, netdir.InSameSubnet(&v6a, &v6b))
}

func TestSnapshotRoundTrip(t *testing.T) {
	relays := []netdir.Relay{
		testnet.Relay(1, netdir.FlagGuard|netdir.FlagV2Dir, 5000),
		testnet.Relay(2, netdir.FlagExit, 3000),
	}
	relays[1].Family = []netdir.RSAIdentity{testnet.RSAID(1)}
	relays[1].ExitPolicy = netdir.PortPolicy{Reject: true, Ranges: []netdir.PortRange{{Lo: 25, Hi: 25}}}
	nd, err := netdir.New(netdir.Config{
		Relays:           relays,
		BandwidthWeights: testnet.Weights,
		Params:           map[string]int64{"cbtquantile": 75},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snap", "netdir.json")
	require.NoError(t, netdir.SaveSnapshot(path, nd))
	got, err := netdir.LoadSnapshot(path)
	require.NoError(t, err)

	require.Equal(t, 2, got.Len())
	r, ok := got.ByID(testnet.ID(2))
	require.True(t, ok)
	require.Equal(t, relays[1].RSAID, r.RSAID)
	require.Equal(t, relays[1].Addrs, r.Addrs)
	require.Equal(t, relays[1].Flags, r.Flags)
	require.Equal(t, relays[1].Family, r.Family)
	require.Equal(t, relays[1].NtorOnionKey, r.NtorOnionKey)
	require.False(t, r.AllowsPorts(25))
	require.True(t, r.AllowsPorts(80, 443))
	require.Equal(t, int64(75), got.Params().Get("cbtquantile", 80, 10, 99))
}

func TestParams(t *testing.T) {
	p := netdir.NewNetParameters(map[string]int64{"cbtquantile": 150, "cbtmintimeout": 25})
	require.Equal(t, int64(99), p.Get("cbtquantile", 80, 10, 99))
	require.Equal(t, int64(100), p.Get("cbtmincircs", 100, 1, 10000))
	require.True(t, p.Has("cbtmintimeout"))
	require.Equal(t, int64(25), p.Millis("cbtmintimeout", 0, 10, 1<<31).Milliseconds())
}
