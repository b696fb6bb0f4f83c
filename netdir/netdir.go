// Package netdir provides a read-only, immutable view of a network directory
// snapshot: the relay set, its bandwidth weights and consensus parameters.
package netdir

import (
	"iter"
	"math/bits"
	"math/rand/v2"
	"time"

	"github.com/cvsouth/tor-circmgr/circerr"
)

// Usable is a caller-supplied relay filter. A nil Usable accepts every relay.
type Usable func(*Relay) bool

func (u Usable) accepts(r *Relay) bool {
	return u == nil || u(r)
}

// Config describes the contents of a new NetDir.
type Config struct {
	ValidAfter       time.Time
	ValidUntil       time.Time
	Relays           []Relay
	BandwidthWeights map[string]int64 // Wgg, Wgm, Wmg, Wmm, etc.
	Params           map[string]int64
}

// NetDir is an immutable directory snapshot. It is replaced wholesale when a
// new consensus arrives; Relay pointers obtained from one NetDir must not be
// used with another.
type NetDir struct {
	validAfter time.Time
	validUntil time.Time
	relays     []Relay
	byID       map[EdIdentity]int
	byRSA      map[RSAIdentity]int
	weights    weightSet
	params     NetParameters
	bwWeights  map[string]int64
}

// New builds a NetDir from cfg. Relays are copied; duplicate or zero
// identities are rejected.
func New(cfg Config) (*NetDir, error) {
	nd := &NetDir{
		validAfter: cfg.ValidAfter,
		validUntil: cfg.ValidUntil,
		relays:     make([]Relay, len(cfg.Relays)),
		byID:       make(map[EdIdentity]int, len(cfg.Relays)),
		byRSA:      make(map[RSAIdentity]int, len(cfg.Relays)),
		params:     NewNetParameters(cfg.Params),
		bwWeights:  make(map[string]int64, len(cfg.BandwidthWeights)),
	}
	for k, v := range cfg.BandwidthWeights {
		nd.bwWeights[k] = v
	}
	nd.weights = newWeightSet(cfg.BandwidthWeights, nd.params.Get("bwweightscale", DefaultWeightScale, 1, 1<<31-1))

	for i, r := range cfg.Relays {
		if r.ID.IsZero() {
			return nil, circerr.BadInput("relay %d (%s) has no ed25519 identity", i, r.Nickname)
		}
		if _, dup := nd.byID[r.ID]; dup {
			return nil, circerr.BadInput("duplicate ed25519 identity %s", r.ID)
		}
		r.Bandwidth = min(r.Bandwidth, MaxBandwidth)
		r.Addrs = append(r.Addrs[:0:0], r.Addrs...)
		r.Family = append(r.Family[:0:0], r.Family...)
		nd.relays[i] = r
		nd.byID[r.ID] = i
		if r.RSAID != (RSAIdentity{}) {
			nd.byRSA[r.RSAID] = i
		}
	}
	return nd, nil
}

// Len returns the number of relays in the snapshot.
func (nd *NetDir) Len() int { return len(nd.relays) }

// ValidAfter returns the start of the snapshot's validity interval.
func (nd *NetDir) ValidAfter() time.Time { return nd.validAfter }

// ValidUntil returns the end of the snapshot's validity interval.
func (nd *NetDir) ValidUntil() time.Time { return nd.validUntil }

// Params returns the consensus parameters.
func (nd *NetDir) Params() NetParameters { return nd.params }

// Relays iterates the snapshot's relays in a stable order.
func (nd *NetDir) Relays() iter.Seq[*Relay] {
	return func(yield func(*Relay) bool) {
		for i := range nd.relays {
			if !yield(&nd.relays[i]) {
				return
			}
		}
	}
}

// ByID looks up a relay by Ed25519 identity.
func (nd *NetDir) ByID(id EdIdentity) (*Relay, bool) {
	i, ok := nd.byID[id]
	if !ok {
		return nil, false
	}
	return &nd.relays[i], true
}

// ByRSAID looks up a relay by legacy RSA identity.
func (nd *NetDir) ByRSAID(id RSAIdentity) (*Relay, bool) {
	i, ok := nd.byRSA[id]
	if !ok {
		return nil, false
	}
	return &nd.relays[i], true
}

// Weight returns r's selection weight for role.
func (nd *NetDir) Weight(r *Relay, role WeightRole) uint64 {
	return nd.weights.weight(r, role)
}

// Usable reports whether r may serve in role and passes usable.
func (nd *NetDir) Usable(r *Relay, role WeightRole, usable Usable) bool {
	return role.Eligible(r) && usable.accepts(r)
}

// candidates collects eligible relays with a positive weight. If the sum
// would overflow, every weight is divided by a power of two, rounding up.
func (nd *NetDir) candidates(role WeightRole, usable Usable) ([]*Relay, []uint64, uint64) {
	var (
		rs    []*Relay
		ws    []uint64
		total uint64
		shift uint
	)
	for i := range nd.relays {
		r := &nd.relays[i]
		if !nd.Usable(r, role, usable) {
			continue
		}
		w := nd.weights.weight(r, role)
		if w == 0 {
			continue
		}
		w = shiftUp(w, shift)
		rs = append(rs, r)
		ws = append(ws, w)
		var carry uint64
		if total, carry = bits.Add64(total, w, 0); carry != 0 {
			total, shift = halveWeights(ws, shift)
		}
	}
	return rs, ws, total
}

// halveWeights halves every weight in place until their sum fits in a
// uint64. It returns the sum and the total shift applied so far.
func halveWeights(ws []uint64, shift uint) (uint64, uint) {
	for {
		shift++
		var total uint64
		overflow := false
		for i := range ws {
			ws[i] = shiftUp(ws[i], 1)
			var carry uint64
			if total, carry = bits.Add64(total, ws[i], 0); carry != 0 {
				overflow = true
			}
		}
		if !overflow {
			return total, shift
		}
	}
}

// shiftUp divides w by 2**k rounding up, so a positive w stays positive.
func shiftUp(w uint64, k uint) uint64 {
	if k == 0 || w == 0 {
		return w
	}
	if k >= 64 {
		return 1
	}
	q := w >> k
	if w&(1<<k-1) != 0 {
		q++
	}
	return q
}

// PickRelay draws one relay with probability proportional to its weight in
// role, among relays that are eligible for role and accepted by usable.
// Relays of weight zero are never returned.
func (nd *NetDir) PickRelay(rng *rand.Rand, role WeightRole, usable Usable) (*Relay, bool) {
	rs, ws, total := nd.candidates(role, usable)
	if total == 0 {
		return nil, false
	}
	return rs[weightedIndex(rng, ws, total)], true
}

// PickNRelays draws up to n distinct relays without replacement using the
// same weighting as PickRelay. It returns false if no relay qualifies, and
// may return fewer than n relays when the pool is smaller. n == 0 yields an
// empty slice and true.
func (nd *NetDir) PickNRelays(rng *rand.Rand, n int, role WeightRole, usable Usable) ([]*Relay, bool) {
	if n <= 0 {
		return []*Relay{}, true
	}
	rs, ws, total := nd.candidates(role, usable)
	if total == 0 {
		return nil, false
	}
	out := make([]*Relay, 0, min(n, len(rs)))
	for len(out) < n && total > 0 {
		i := weightedIndex(rng, ws, total)
		out = append(out, rs[i])
		total -= ws[i]
		last := len(rs) - 1
		rs[i], ws[i] = rs[last], ws[last]
		rs, ws = rs[:last], ws[:last]
	}
	return out, true
}

// weightedIndex selects an index proportional to ws. total must equal the
// sum of ws and be positive.
func weightedIndex(rng *rand.Rand, ws []uint64, total uint64) int {
	r := rng.Uint64N(total)
	var cumulative uint64
	for i, w := range ws {
		cumulative += w
		if r < cumulative {
			return i
		}
	}
	return len(ws) - 1
}
