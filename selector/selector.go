// Package selector picks relays for a circuit role. Operator-preferred
// identities take precedence over the bandwidth-weighted draw, and a cached
// plan-B list keeps selection working when either goes stale.
//
// Resolution order for a request:
//
//  1. A non-empty preferred list: draw uniformly among its identities that
//     resolve in the directory, carry the role's flags and pass the filter.
//  2. Without a preferred list, the bandwidth-weighted draw over the whole
//     directory.
//  3. Plan-B, reached when (1) finds nothing or (2) fails: draw uniformly from
//     the cached fallback list, first pruning identities the directory no
//     longer knows and refilling it from flag-matching relays when empty.
//
// A stale preferred list therefore lands on the cached list rather than on
// the weighted draw, so a pinned configuration keeps using a small fixed set.
// The same happens when the filter rejects every preferred relay, such as a
// pinned guard that is related to the exit already chosen: that draw is
// uniform over the plan-B list and ignores bandwidth.
package selector

import (
	"log/slog"
	"math/rand/v2"

	"github.com/cvsouth/tor-circmgr/netdir"
)

// Selector draws relays using an Overrides store.
type Selector struct {
	overrides *Overrides
	logger    *slog.Logger
}

// New returns a Selector backed by overrides. A nil overrides gets a fresh
// empty store.
func New(overrides *Overrides, logger *slog.Logger) *Selector {
	if overrides == nil {
		overrides = NewOverrides(DefaultCapacity)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{overrides: overrides, logger: logger}
}

// Overrides returns the store this selector consults.
func (s *Selector) Overrides() *Overrides { return s.overrides }

// Pick returns one relay suitable for role and accepted by usable.
func (s *Selector) Pick(nd *netdir.NetDir, rng *rand.Rand, role netdir.WeightRole, usable netdir.Usable) (*netdir.Relay, bool) {
	rs, ok := s.PickN(nd, rng, 1, role, usable)
	if !ok || len(rs) == 0 {
		return nil, false
	}
	return rs[0], true
}

// PickN returns up to n distinct relays suitable for role and accepted by
// usable. It returns false when no relay qualifies; n <= 0 yields an empty
// slice and true.
func (s *Selector) PickN(nd *netdir.NetDir, rng *rand.Rand, n int, role netdir.WeightRole, usable netdir.Usable) ([]*netdir.Relay, bool) {
	if n <= 0 {
		return []*netdir.Relay{}, true
	}
	preferred, cached := s.overrides.lists(role)

	if len(preferred) > 0 {
		if rs := resolve(nd, preferred, role, usable); len(rs) > 0 {
			s.logger.Debug("using preferred relays", "role", role, "available", len(rs))
			return chooseUniform(rng, rs, n), true
		}
		s.logger.Warn("no preferred relay usable, falling back", "role", role, "preferred", len(preferred))
		return s.planB(nd, rng, n, role, usable, cached)
	}

	if rs, ok := nd.PickNRelays(rng, n, role, usable); ok {
		return rs, true
	}
	return s.planB(nd, rng, n, role, usable, cached)
}

func (s *Selector) planB(nd *netdir.NetDir, rng *rand.Rand, n int, role netdir.WeightRole, usable netdir.Usable, cached []netdir.EdIdentity) ([]*netdir.Relay, bool) {
	known := cached[:0:0]
	for _, id := range cached {
		if _, ok := nd.ByID(id); ok {
			known = append(known, id)
		}
	}
	switch {
	case len(known) == 0:
		known = s.replenish(nd, rng, role)
	case len(known) < len(cached):
		s.logger.Debug("pruned stale cached relays", "role", role, "dropped", len(cached)-len(known))
		s.overrides.setCached(role, known)
	}

	if rs := resolve(nd, known, role, usable); len(rs) > 0 {
		return chooseUniform(rng, rs, n), true
	}

	// The cached sample may all be filtered out by usable even though other
	// flag-matching relays would pass.
	var rs []*netdir.Relay
	for r := range nd.Relays() {
		if planBEligible(r, role) && nd.Usable(r, role, usable) {
			rs = append(rs, r)
		}
	}
	if len(rs) == 0 {
		s.logger.Debug("no relays for role", "role", role)
		return nil, false
	}
	return chooseUniform(rng, rs, n), true
}

// replenish refills the cached list for role with up to capacity identities
// drawn uniformly from flag-matching relays, and returns the new list.
func (s *Selector) replenish(nd *netdir.NetDir, rng *rand.Rand, role netdir.WeightRole) []netdir.EdIdentity {
	var ids []netdir.EdIdentity
	for r := range nd.Relays() {
		if planBEligible(r, role) {
			ids = append(ids, r.ID)
		}
	}
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if c := s.overrides.Capacity(); len(ids) > c {
		ids = ids[:c]
	}
	s.overrides.setCached(role, ids)
	s.logger.Warn("replenished plan-B relays", "role", role, "count", len(ids))
	return ids
}

// planBEligible admits relays that carry the role's flags and have been
// measured; unweighted selection ignores bandwidth.
func planBEligible(r *netdir.Relay, role netdir.WeightRole) bool {
	return role.Eligible(r) && (role == netdir.RoleUnweighted || r.Bandwidth > 0)
}

// resolve maps ids to relays of nd that can serve role and pass usable.
// Duplicate ids resolve once.
func resolve(nd *netdir.NetDir, ids []netdir.EdIdentity, role netdir.WeightRole, usable netdir.Usable) []*netdir.Relay {
	seen := make(map[netdir.EdIdentity]bool, len(ids))
	var rs []*netdir.Relay
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		r, ok := nd.ByID(id)
		if ok && nd.Usable(r, role, usable) {
			rs = append(rs, r)
		}
	}
	return rs
}

// chooseUniform returns min(n, len(rs)) distinct elements of rs drawn
// uniformly. rs is reordered.
func chooseUniform(rng *rand.Rand, rs []*netdir.Relay, n int) []*netdir.Relay {
	if n >= len(rs) {
		rng.Shuffle(len(rs), func(i, j int) { rs[i], rs[j] = rs[j], rs[i] })
		return rs
	}
	for i := range n {
		j := i + rng.IntN(len(rs)-i)
		rs[i], rs[j] = rs[j], rs[i]
	}
	return rs[:n]
}
