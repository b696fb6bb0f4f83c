// Package testnet builds small NetDir snapshots for tests.
package testnet

import (
	"fmt"
	"math/rand/v2"
	"net/netip"

	"github.com/cvsouth/tor-circmgr/netdir"
)

// Weights is a realistic bandwidth-weights line with scarce guards.
var Weights = map[string]int64{
	"Wgg": 5869, "Wgd": 5869, "Wgm": 5869,
	"Wmg": 4131, "Wmm": 10000, "Wme": 10000, "Wmd": 4131,
	"Weg": 10000, "Wee": 10000, "Wem": 10000, "Wed": 10000,
	"Wbg": 10000, "Wbm": 10000, "Wbe": 10000, "Wbd": 10000,
}

// Basic is Running|Valid|Fast, the flags every selectable relay carries.
const Basic = netdir.FlagRunning | netdir.FlagValid | netdir.FlagFast

// ID returns a deterministic Ed25519 identity for relay n.
func ID(n int) netdir.EdIdentity {
	var id netdir.EdIdentity
	id[0] = byte(n)
	id[1] = byte(n >> 8)
	id[31] = 0xed
	return id
}

// RSAID returns a deterministic RSA identity for relay n.
func RSAID(n int) netdir.RSAIdentity {
	var id netdir.RSAIdentity
	id[0] = byte(n)
	id[1] = byte(n >> 8)
	id[19] = 0x5a
	return id
}

// Relay returns relay n with the given extra flags and bandwidth. Each relay
// gets its own /16 so that relays are unrelated unless a test says so.
func Relay(n int, flags netdir.RelayFlags, bw int64) netdir.Relay {
	r := netdir.Relay{
		Nickname:   fmt.Sprintf("relay%d", n),
		ID:         ID(n),
		RSAID:      RSAID(n),
		Addrs:      []netip.AddrPort{netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, byte(n), 0, 1}), 9001)},
		Flags:      Basic | flags,
		Bandwidth:  bw,
		HasNtorKey: true,
	}
	r.NtorOnionKey[0] = byte(n)
	r.NtorOnionKey[31] = 0x11
	if flags&netdir.FlagExit != 0 {
		r.ExitPolicy = netdir.PortPolicy{Ranges: []netdir.PortRange{{Lo: 1, Hi: 65535}}}
	}
	return r
}

// NetDir builds a snapshot from relays with the default weights.
func NetDir(relays ...netdir.Relay) *netdir.NetDir {
	nd, err := netdir.New(netdir.Config{Relays: relays, BandwidthWeights: Weights})
	if err != nil {
		panic(err)
	}
	return nd
}

// Rand returns a deterministic random source.
func Rand(seed uint64) *rand.Rand {
	var s [32]byte
	for i := range 8 {
		s[i] = byte(seed >> (8 * i))
	}
	return rand.New(rand.NewChaCha8(s))
}
