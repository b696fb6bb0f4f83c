package netdir

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"github.com/cvsouth/tor-circmgr/circerr"
)

// EdIdentity is a relay's stable Ed25519 identity key.
type EdIdentity [32]byte

// RSAIdentity is the SHA-1 digest of a relay's legacy RSA identity key.
type RSAIdentity [20]byte

// String returns the unpadded base64 form used in microdescriptors.
func (id EdIdentity) String() string {
	return base64.RawStdEncoding.EncodeToString(id[:])
}

// IsZero reports whether id is all zeros.
func (id EdIdentity) IsZero() bool {
	return id == EdIdentity{}
}

// String returns the uppercase hex fingerprint.
func (id RSAIdentity) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// ParseEdIdentity decodes a base64 Ed25519 identity. Both padded and
// unpadded forms are accepted.
func ParseEdIdentity(s string) (EdIdentity, error) {
	var id EdIdentity
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return id, circerr.BadInput("ed25519 identity %q: %v", s, err)
	}
	if len(raw) != len(id) {
		return id, circerr.BadInput("ed25519 identity %q: length %d, want %d", s, len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// ParseEdIdentities decodes a list of base64 Ed25519 identities.
func ParseEdIdentities(ss []string) ([]EdIdentity, error) {
	ids := make([]EdIdentity, 0, len(ss))
	for _, s := range ss {
		id, err := ParseEdIdentity(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseRSAIdentity decodes a hex fingerprint, optionally prefixed with '$'.
func ParseRSAIdentity(s string) (RSAIdentity, error) {
	var id RSAIdentity
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if err != nil {
		return id, circerr.BadInput("rsa identity %q: %v", s, err)
	}
	if len(raw) != len(id) {
		return id, circerr.BadInput("rsa identity %q: length %d, want %d", s, len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// RelayFlags is the set of consensus flags assigned to a relay.
type RelayFlags uint16

const (
	FlagGuard RelayFlags = 1 << iota
	FlagExit
	FlagHSDir
	FlagFast
	FlagStable
	FlagRunning
	FlagValid
	FlagV2Dir
	FlagBadExit
)

var flagNames = []struct {
	flag RelayFlags
	name string
}{
	{FlagGuard, "Guard"},
	{FlagExit, "Exit"},
	{FlagHSDir, "HSDir"},
	{FlagFast, "Fast"},
	{FlagStable, "Stable"},
	{FlagRunning, "Running"},
	{FlagValid, "Valid"},
	{FlagV2Dir, "V2Dir"},
	{FlagBadExit, "BadExit"},
}

// Has reports whether every flag in want is set.
func (f RelayFlags) Has(want RelayFlags) bool {
	return f&want == want
}

// Names returns the flag names in consensus order.
func (f RelayFlags) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f RelayFlags) String() string {
	return strings.Join(f.Names(), " ")
}

// ParseFlags converts flag names to a RelayFlags set. Unknown names are an error.
func ParseFlags(names []string) (RelayFlags, error) {
	var f RelayFlags
outer:
	for _, n := range names {
		for _, fn := range flagNames {
			if fn.name == n {
				f |= fn.flag
				continue outer
			}
		}
		return 0, circerr.BadInput("unknown relay flag %q", n)
	}
	return f, nil
}

// Relay is a router entry bound to one NetDir snapshot. Relays are never
// modified after the snapshot is built.
type Relay struct {
	Nickname     string
	ID           EdIdentity
	RSAID        RSAIdentity
	Addrs        []netip.AddrPort
	Flags        RelayFlags
	Bandwidth    int64 // consensus weight
	NtorOnionKey [32]byte
	HasNtorKey   bool
	Family       []RSAIdentity // declared family members
	ExitPolicy   PortPolicy
}

// IsRunningAndValid reports whether the relay may be selected at all.
func (r *Relay) IsRunningAndValid() bool {
	return r.Flags.Has(FlagRunning | FlagValid)
}

// AllowsPorts reports whether the relay's exit policy accepts every port.
func (r *Relay) AllowsPorts(ports ...uint16) bool {
	for _, p := range ports {
		if !r.ExitPolicy.Allows(p) {
			return false
		}
	}
	return true
}

func (r *Relay) String() string {
	if r.Nickname != "" {
		return fmt.Sprintf("%s~%s", r.Nickname, r.ID)
	}
	return r.ID.String()
}
