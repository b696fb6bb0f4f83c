package selector

import (
	"slices"
	"sync"

	"github.com/cvsouth/tor-circmgr/netdir"
)

// DefaultCapacity is the default number of cached fallback identities kept
// per role.
const DefaultCapacity = 16

const numRoles = int(netdir.RoleUnweighted) + 1

// Overrides holds, for every role, an operator-preferred identity list and a
// cached fallback list refilled from the directory when selection fails.
// It is safe for concurrent use; one mutex guards both lists and is never
// held while drawing randomness.
type Overrides struct {
	mu        sync.Mutex
	capacity  int
	preferred [numRoles][]netdir.EdIdentity
	cached    [numRoles][]netdir.EdIdentity
}

// NewOverrides returns an empty store keeping at most capacity cached
// identities per role. A non-positive capacity selects DefaultCapacity.
func NewOverrides(capacity int) *Overrides {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Overrides{capacity: capacity}
}

// Capacity returns the per-role limit of the cached fallback list.
func (o *Overrides) Capacity() int { return o.capacity }

// SetPreferred replaces the preferred identities for role. An empty list
// removes the preference.
func (o *Overrides) SetPreferred(role netdir.WeightRole, ids []netdir.EdIdentity) {
	if !validRole(role) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(ids) == 0 {
		o.preferred[role] = nil
		return
	}
	o.preferred[role] = slices.Clone(ids)
}

// Clear drops both the preferred and the cached list for role.
func (o *Overrides) Clear(role netdir.WeightRole) {
	if !validRole(role) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.preferred[role] = nil
	o.cached[role] = nil
}

// Preferred returns a copy of the preferred identities for role.
func (o *Overrides) Preferred(role netdir.WeightRole) []netdir.EdIdentity {
	p, _ := o.lists(role)
	return p
}

// Cached returns a copy of the cached fallback identities for role.
func (o *Overrides) Cached(role netdir.WeightRole) []netdir.EdIdentity {
	_, c := o.lists(role)
	return c
}

// lists copies both lists for role inside one critical section.
func (o *Overrides) lists(role netdir.WeightRole) (preferred, cached []netdir.EdIdentity) {
	if !validRole(role) {
		return nil, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.preferred[role]), slices.Clone(o.cached[role])
}

// setCached replaces the cached list for role, truncated to capacity.
func (o *Overrides) setCached(role netdir.WeightRole, ids []netdir.EdIdentity) {
	if !validRole(role) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(ids) > o.capacity {
		ids = ids[:o.capacity]
	}
	if len(ids) == 0 {
		o.cached[role] = nil
		return
	}
	o.cached[role] = slices.Clone(ids)
}

// State is the persistable part of an Overrides store: the cached fallback
// lists keyed by role name. Preferred lists come from configuration.
type State struct {
	Cached map[string][]netdir.EdIdentity `cbor:"cached"`
}

// State returns a copy of the cached fallback lists.
func (o *Overrides) State() *State {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := &State{Cached: make(map[string][]netdir.EdIdentity)}
	for _, role := range netdir.Roles {
		if len(o.cached[role]) > 0 {
			st.Cached[role.String()] = slices.Clone(o.cached[role])
		}
	}
	return st
}

// Restore loads cached fallback lists saved by State. Unknown role names
// are ignored.
func (o *Overrides) Restore(st *State) {
	if st == nil {
		return
	}
	for _, role := range netdir.Roles {
		if ids, ok := st.Cached[role.String()]; ok {
			o.setCached(role, ids)
		}
	}
}

func validRole(role netdir.WeightRole) bool {
	return int(role) < numRoles
}
