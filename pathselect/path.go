package pathselect

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/cvsouth/tor-circmgr/circerr"
	"github.com/cvsouth/tor-circmgr/netdir"
)

// MaxPathLen bounds multi-hop paths: every extension after the first hop
// consumes one of the circuit's 8 RELAY_EARLY cells (tor-spec §5.6).
const MaxPathLen = 8

// DefaultPathLen is the guard, middle, exit path length.
const DefaultPathLen = 3

// Path is an ordered list of relays borrowed from a single NetDir. It is
// only meant to live until it is converted into an OwnedPath.
type Path struct {
	oneHop bool
	hops   []*netdir.Relay
}

// OneHopPath returns a path for a single-hop directory circuit.
func OneHopPath(r *netdir.Relay) *Path {
	return &Path{oneHop: true, hops: []*netdir.Relay{r}}
}

// NormalPath returns a multi-hop path, first hop first.
func NormalPath(hops ...*netdir.Relay) (*Path, error) {
	if len(hops) < 1 || len(hops) > MaxPathLen {
		return nil, circerr.BadInput("path length %d outside 1..%d", len(hops), MaxPathLen)
	}
	return &Path{hops: slices.Clone(hops)}, nil
}

// IsOneHop reports whether p is a directory path built with CREATE_FAST.
func (p *Path) IsOneHop() bool { return p.oneHop }

// Len returns the number of hops.
func (p *Path) Len() int { return len(p.hops) }

// Hops returns the relays in order, first hop first.
func (p *Path) Hops() []*netdir.Relay { return slices.Clone(p.hops) }

// Exit returns the last hop.
func (p *Path) Exit() *netdir.Relay {
	if len(p.hops) == 0 {
		return nil
	}
	return p.hops[len(p.hops)-1]
}

func (p *Path) String() string {
	names := make([]string, len(p.hops))
	for i, r := range p.hops {
		names[i] = r.Nickname
	}
	return strings.Join(names, " → ")
}

// LinkTarget is everything needed to open a channel to, or extend a circuit
// to, one relay. It holds no reference to the NetDir it came from.
type LinkTarget struct {
	Nickname     string
	ID           netdir.EdIdentity
	RSAID        netdir.RSAIdentity
	Addrs        []netip.AddrPort
	NtorOnionKey [32]byte
	HasNtorKey   bool
}

// TargetFromRelay copies the link-level fields of r.
func TargetFromRelay(r *netdir.Relay) LinkTarget {
	return LinkTarget{
		Nickname:     r.Nickname,
		ID:           r.ID,
		RSAID:        r.RSAID,
		Addrs:        slices.Clone(r.Addrs),
		NtorOnionKey: r.NtorOnionKey,
		HasNtorKey:   r.HasNtorKey,
	}
}

func (t LinkTarget) String() string {
	if len(t.Addrs) > 0 {
		return t.Nickname + "@" + t.Addrs[0].String()
	}
	return t.Nickname + "~" + t.ID.String()
}

// OwnedPath is the self-contained form of a Path consumed by the circuit
// builder.
type OwnedPath struct {
	// ChannelOnly marks a one-hop path whose circuit is made with
	// CREATE_FAST over the channel to Hops[0].
	ChannelOnly bool
	Hops        []LinkTarget
}

// Owned converts p into an OwnedPath. Every hop of a normal path must carry
// an ntor onion key.
func (p *Path) Owned() (OwnedPath, error) {
	if len(p.hops) == 0 {
		return OwnedPath{}, circerr.NoRelays("path with no entries")
	}
	op := OwnedPath{ChannelOnly: p.oneHop, Hops: make([]LinkTarget, len(p.hops))}
	for i, r := range p.hops {
		if !p.oneHop && !r.HasNtorKey {
			return OwnedPath{}, circerr.BadInput("hop %d (%s) has no ntor onion key", i, r.Nickname)
		}
		op.Hops[i] = TargetFromRelay(r)
	}
	return op, nil
}

// Len returns the number of hops.
func (o OwnedPath) Len() int { return len(o.Hops) }

// FirstHop returns the relay the channel is opened to.
func (o OwnedPath) FirstHop() (LinkTarget, error) {
	if len(o.Hops) == 0 {
		return LinkTarget{}, circerr.NoRelays("path with no entries")
	}
	return o.Hops[0], nil
}
