// Package pathselect composes relay selections into circuit paths: one-hop
// directory paths and multi-hop exit paths whose hops are pairwise distinct
// and never share a family or subnet.
package pathselect

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/cvsouth/tor-circmgr/circerr"
	"github.com/cvsouth/tor-circmgr/netdir"
	"github.com/cvsouth/tor-circmgr/selector"
)

// Builder picks paths using a Selector.
type Builder struct {
	sel     *selector.Selector
	pathLen int
	logger  *slog.Logger
}

// NewBuilder returns a Builder producing exit paths of pathLen hops
// (DefaultPathLen when zero).
func NewBuilder(sel *selector.Selector, pathLen int, logger *slog.Logger) (*Builder, error) {
	if pathLen == 0 {
		pathLen = DefaultPathLen
	}
	if pathLen < 2 || pathLen > MaxPathLen {
		return nil, circerr.BadInput("path length %d outside 2..%d", pathLen, MaxPathLen)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sel == nil {
		sel = selector.New(nil, logger)
	}
	return &Builder{sel: sel, pathLen: pathLen, logger: logger}, nil
}

// PathLen returns the length of exit paths.
func (b *Builder) PathLen() int { return b.pathLen }

// PickDirPath returns a one-hop path to a directory cache.
func (b *Builder) PickDirPath(nd *netdir.NetDir, rng *rand.Rand) (*Path, error) {
	r, ok := b.sel.Pick(nd, rng, netdir.RoleBeginDir, nil)
	if !ok {
		return nil, circerr.NoRelays("no directory caches with the V2Dir flag")
	}
	b.logger.Debug("picked directory path", "relay", r.Nickname)
	return OneHopPath(r), nil
}

// PickExitPath returns a guard, middle(s), exit path whose exit allows every
// port in ports. Endpoints are chosen first, then inner hops from the guard
// side; every hop is unrelated to every other.
func (b *Builder) PickExitPath(nd *netdir.NetDir, rng *rand.Rand, ports ...uint16) (*Path, error) {
	exit, err := b.selectExit(nd, rng, ports)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}
	chosen := []*netdir.Relay{exit}

	guard, err := b.selectUnrelated(nd, rng, netdir.RoleGuard, chosen)
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}
	chosen = append(chosen, guard)

	hops := make([]*netdir.Relay, 0, b.pathLen)
	hops = append(hops, guard)
	for i := 1; i < b.pathLen-1; i++ {
		middle, err := b.selectUnrelated(nd, rng, netdir.RoleMiddle, chosen)
		if err != nil {
			return nil, fmt.Errorf("select middle %d: %w", i, err)
		}
		chosen = append(chosen, middle)
		hops = append(hops, middle)
	}
	hops = append(hops, exit)

	p := &Path{hops: hops}
	b.logger.Debug("picked exit path", "path", p.String(), "ports", ports)
	return p, nil
}

// selectExit picks an exit relay with the Exit flag, no BadExit, an ntor
// key, and a policy allowing ports.
func (b *Builder) selectExit(nd *netdir.NetDir, rng *rand.Rand, ports []uint16) (*netdir.Relay, error) {
	usable := func(r *netdir.Relay) bool {
		return !r.Flags.Has(netdir.FlagBadExit) && r.HasNtorKey && r.AllowsPorts(ports...)
	}
	r, ok := b.sel.Pick(nd, rng, netdir.RoleExit, usable)
	if !ok {
		return nil, circerr.NoRelays("no suitable exit relays found for ports %v", ports)
	}
	return r, nil
}

// selectUnrelated picks a relay for role that has an ntor key and is
// unrelated to every relay in chosen.
func (b *Builder) selectUnrelated(nd *netdir.NetDir, rng *rand.Rand, role netdir.WeightRole, chosen []*netdir.Relay) (*netdir.Relay, error) {
	usable := func(r *netdir.Relay) bool {
		if !r.HasNtorKey {
			return false
		}
		for _, c := range chosen {
			if netdir.Related(r, c) {
				return false
			}
		}
		return true
	}
	r, ok := b.sel.Pick(nd, rng, role, usable)
	if !ok {
		return nil, circerr.NoRelays("no suitable %s relays found", role)
	}
	return r, nil
}
