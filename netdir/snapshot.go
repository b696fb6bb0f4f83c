package netdir

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// snapshotFile is the on-disk JSON format of a NetDir.
type snapshotFile struct {
	ValidAfter       time.Time        `json:"valid_after"`
	ValidUntil       time.Time        `json:"valid_until"`
	BandwidthWeights map[string]int64 `json:"bandwidth_weights"`
	Params           map[string]int64 `json:"params,omitempty"`
	Relays           []snapshotRelay  `json:"relays"`
}

type snapshotRelay struct {
	Nickname     string   `json:"nickname,omitempty"`
	ID           string   `json:"ed25519_id"`
	RSAID        string   `json:"rsa_id,omitempty"`
	Addrs        []string `json:"addrs,omitempty"`
	Flags        []string `json:"flags,omitempty"`
	Bandwidth    int64    `json:"bandwidth"`
	NtorOnionKey string   `json:"ntor_onion_key,omitempty"`
	Family       []string `json:"family,omitempty"`
	ExitPolicy   string   `json:"exit_policy,omitempty"`
}

// LoadSnapshot reads a JSON snapshot written by SaveSnapshot.
func LoadSnapshot(path string) (*NetDir, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes a JSON snapshot.
func ParseSnapshot(data []byte) (*NetDir, error) {
	var sf snapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	cfg := Config{
		ValidAfter:       sf.ValidAfter,
		ValidUntil:       sf.ValidUntil,
		BandwidthWeights: sf.BandwidthWeights,
		Params:           sf.Params,
		Relays:           make([]Relay, 0, len(sf.Relays)),
	}
	for i, sr := range sf.Relays {
		r, err := sr.relay()
		if err != nil {
			return nil, fmt.Errorf("relay %d: %w", i, err)
		}
		cfg.Relays = append(cfg.Relays, r)
	}
	return New(cfg)
}

func (sr *snapshotRelay) relay() (Relay, error) {
	r := Relay{Nickname: sr.Nickname, Bandwidth: sr.Bandwidth}
	var err error
	if r.ID, err = ParseEdIdentity(sr.ID); err != nil {
		return r, err
	}
	if sr.RSAID != "" {
		if r.RSAID, err = ParseRSAIdentity(sr.RSAID); err != nil {
			return r, err
		}
	}
	for _, a := range sr.Addrs {
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			return r, fmt.Errorf("address %q: %w", a, err)
		}
		r.Addrs = append(r.Addrs, ap)
	}
	if r.Flags, err = ParseFlags(sr.Flags); err != nil {
		return r, err
	}
	if sr.NtorOnionKey != "" {
		key, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(sr.NtorOnionKey, "="))
		if err != nil || len(key) != len(r.NtorOnionKey) {
			return r, fmt.Errorf("ntor onion key %q is not 32 bytes of base64", sr.NtorOnionKey)
		}
		copy(r.NtorOnionKey[:], key)
		r.HasNtorKey = true
	}
	for _, f := range sr.Family {
		id, err := ParseRSAIdentity(f)
		if err != nil {
			return r, err
		}
		r.Family = append(r.Family, id)
	}
	if r.ExitPolicy, err = ParsePortPolicy(sr.ExitPolicy); err != nil {
		return r, err
	}
	return r, nil
}

// SaveSnapshot writes nd to path as JSON.
func SaveSnapshot(path string, nd *NetDir) error {
	data, err := MarshalSnapshot(nd)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0600)
}

// MarshalSnapshot encodes nd as JSON.
func MarshalSnapshot(nd *NetDir) ([]byte, error) {
	sf := snapshotFile{
		ValidAfter:       nd.validAfter,
		ValidUntil:       nd.validUntil,
		BandwidthWeights: nd.bwWeights,
		Params:           nd.params.Map(),
		Relays:           make([]snapshotRelay, 0, len(nd.relays)),
	}
	for r := range nd.Relays() {
		sr := snapshotRelay{
			Nickname:  r.Nickname,
			ID:        r.ID.String(),
			Flags:     r.Flags.Names(),
			Bandwidth: r.Bandwidth,
		}
		if r.RSAID != (RSAIdentity{}) {
			sr.RSAID = r.RSAID.String()
		}
		for _, a := range r.Addrs {
			sr.Addrs = append(sr.Addrs, a.String())
		}
		if r.HasNtorKey {
			sr.NtorOnionKey = base64.RawStdEncoding.EncodeToString(r.NtorOnionKey[:])
		}
		for _, f := range r.Family {
			sr.Family = append(sr.Family, "$"+f.String())
		}
		if len(r.ExitPolicy.Ranges) > 0 || r.ExitPolicy.Reject {
			sr.ExitPolicy = r.ExitPolicy.String()
		}
		sf.Relays = append(sf.Relays, sr)
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}
