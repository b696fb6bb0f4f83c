package netdir

import "fmt"

// WeightRole is the position a relay is being selected for.
type WeightRole uint8

const (
	RoleGuard WeightRole = iota
	RoleMiddle
	RoleExit
	RoleBeginDir
	RoleUnweighted
)

// Roles lists every WeightRole.
var Roles = []WeightRole{RoleGuard, RoleMiddle, RoleExit, RoleBeginDir, RoleUnweighted}

func (r WeightRole) String() string {
	switch r {
	case RoleGuard:
		return "guard"
	case RoleMiddle:
		return "middle"
	case RoleExit:
		return "exit"
	case RoleBeginDir:
		return "begindir"
	case RoleUnweighted:
		return "unweighted"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// requiredFlags is the flag each role demands on top of Running|Valid.
var requiredFlags = [...]RelayFlags{
	RoleGuard:      FlagGuard,
	RoleMiddle:     0,
	RoleExit:       FlagExit,
	RoleBeginDir:   FlagV2Dir,
	RoleUnweighted: 0,
}

// RequiredFlags returns the flags a relay must carry to serve in role r.
func (r WeightRole) RequiredFlags() RelayFlags {
	if int(r) >= len(requiredFlags) {
		return 0
	}
	return requiredFlags[r]
}

// Eligible reports whether relay carries Running, Valid and the role's
// required flags.
func (r WeightRole) Eligible(relay *Relay) bool {
	return relay.IsRunningAndValid() && relay.Flags.Has(r.RequiredFlags())
}

// DefaultWeightScale is the bwweightscale used when the consensus omits it.
const DefaultWeightScale = 10000

// MaxBandwidth and maxMultiplier bound the factors of a selection weight so
// that one relay's weight always fits in 63 bits.
const (
	MaxBandwidth  = 1<<32 - 1
	maxMultiplier = 1<<31 - 1
)

// position kinds, indexed by the relay's Guard/Exit flags
const (
	kindGuard   = iota // Guard only
	kindMiddle         // neither
	kindExit           // Exit only
	kindGuardExit      // both
	numKinds
)

// weightKeys maps role and position kind to a bandwidth-weights key.
// An empty key means the combination is always weighted zero.
var weightKeys = [...][numKinds]string{
	RoleGuard:    {kindGuard: "Wgg", kindMiddle: "Wgm", kindExit: "", kindGuardExit: "Wgd"},
	RoleMiddle:   {kindGuard: "Wmg", kindMiddle: "Wmm", kindExit: "Wme", kindGuardExit: "Wmd"},
	RoleExit:     {kindGuard: "Weg", kindMiddle: "Wem", kindExit: "Wee", kindGuardExit: "Wed"},
	RoleBeginDir: {kindGuard: "Wbg", kindMiddle: "Wbm", kindExit: "Wbe", kindGuardExit: "Wbd"},
}

func positionKind(f RelayFlags) int {
	g, e := f.Has(FlagGuard), f.Has(FlagExit)
	switch {
	case g && e:
		return kindGuardExit
	case g:
		return kindGuard
	case e:
		return kindExit
	}
	return kindMiddle
}

// weightSet holds the resolved role multipliers of one snapshot.
type weightSet struct {
	scale int64
	w     [RoleUnweighted][numKinds]int64
}

func newWeightSet(bw map[string]int64, scale int64) weightSet {
	if scale <= 0 {
		scale = DefaultWeightScale
	}
	ws := weightSet{scale: scale}
	for role := RoleGuard; role < RoleUnweighted; role++ {
		for kind, key := range weightKeys[role] {
			if key == "" {
				continue
			}
			v, ok := bw[key]
			if !ok {
				v = scale
			}
			ws.w[role][kind] = min(max(v, 0), maxMultiplier)
		}
	}
	return ws
}

// weight returns the unnormalised selection weight of r in role. Division by
// the scale is omitted since only ratios matter.
func (ws *weightSet) weight(r *Relay, role WeightRole) uint64 {
	if role == RoleUnweighted {
		return 1
	}
	if r.Bandwidth <= 0 || int(role) >= len(weightKeys) {
		return 0
	}
	return uint64(r.Bandwidth) * uint64(ws.w[role][positionKind(r.Flags)])
}
