// Package config provides the circuit manager configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cvsouth/tor-circmgr/netdir"
	"github.com/cvsouth/tor-circmgr/pathselect"
	"github.com/cvsouth/tor-circmgr/selector"
	"github.com/cvsouth/tor-circmgr/timeouts"
)

const (
	defaultLogLevel    = "info"
	defaultMaxAttempts = 3
)

// Timeouts configures the circuit build timeout estimator. Consensus
// parameters override these values when present.
type Timeouts struct {
	// Quantile is cbt_quantile, the soft timeout quantile.
	Quantile float64
	// CloseQuantile is cbt_close_quantile, the hard timeout quantile.
	CloseQuantile float64
	// MinTimeout is cbt_min_timeout.
	MinTimeout time.Duration
	// InitialTimeout is cbt_initial_timeout.
	InitialTimeout time.Duration
	// MinCircsForEstimate is the number of samples needed before
	// estimating.
	MinCircsForEstimate int
	// HistorySize is the number of samples kept per circuit length.
	HistorySize int
	// Disabled always uses InitialTimeout.
	Disabled bool
}

func (t *Timeouts) validate() error {
	if t.Quantile < 0 || t.Quantile >= 1 {
		return fmt.Errorf("config: Timeouts: Quantile %v outside [0, 1)", t.Quantile)
	}
	if t.CloseQuantile < 0 || t.CloseQuantile >= 1 {
		return fmt.Errorf("config: Timeouts: CloseQuantile %v outside [0, 1)", t.CloseQuantile)
	}
	if t.MinTimeout < 0 || t.InitialTimeout < 0 {
		return errors.New("config: Timeouts: negative timeout")
	}
	return nil
}

// Params returns the estimator parameters, with defaults for unset fields.
func (t *Timeouts) Params() timeouts.Params {
	return timeouts.Params{
		Quantile:            t.Quantile,
		CloseQuantile:       t.CloseQuantile,
		MinTimeout:          t.MinTimeout,
		InitialTimeout:      t.InitialTimeout,
		MinCircsForEstimate: t.MinCircsForEstimate,
		NumXmModes:          timeouts.DefaultParams().NumXmModes,
		HistorySize:         t.HistorySize,
		Disabled:            t.Disabled,
	}.Fixup()
}

// Path configures path selection.
type Path struct {
	// Length is path_len, the number of hops in exit circuits.
	Length int
	// MaxAttempts bounds how many paths are tried per circuit request.
	MaxAttempts int
}

func (p *Path) applyDefaults() {
	if p.Length == 0 {
		p.Length = pathselect.DefaultPathLen
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
}

func (p *Path) validate() error {
	if p.Length < 2 || p.Length > pathselect.MaxPathLen {
		return fmt.Errorf("config: Path: Length %d outside 2..%d", p.Length, pathselect.MaxPathLen)
	}
	return nil
}

// Overrides configures the preferred relays per role and the size of the
// plan-B cache. Identities are base64 Ed25519 keys.
type Overrides struct {
	// Capacity is override_capacity.
	Capacity    int
	Guards      []string
	Middles     []string
	Exits       []string
	BeginDirs   []string
	Unweighteds []string
}

func (o *Overrides) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = selector.DefaultCapacity
	}
}

// Preferred parses the configured identities by role.
func (o *Overrides) Preferred() (map[netdir.WeightRole][]netdir.EdIdentity, error) {
	lists := map[netdir.WeightRole][]string{
		netdir.RoleGuard:      o.Guards,
		netdir.RoleMiddle:     o.Middles,
		netdir.RoleExit:       o.Exits,
		netdir.RoleBeginDir:   o.BeginDirs,
		netdir.RoleUnweighted: o.Unweighteds,
	}
	out := make(map[netdir.WeightRole][]netdir.EdIdentity)
	for role, ids := range lists {
		if len(ids) == 0 {
			continue
		}
		parsed, err := netdir.ParseEdIdentities(ids)
		if err != nil {
			return nil, fmt.Errorf("config: Overrides %s: %w", role, err)
		}
		out[role] = parsed
	}
	return out, nil
}

// Logging configures log output.
type Logging struct {
	// Level is one of debug, info, warn or error.
	Level string
	// File receives JSON logs in addition to stderr when set.
	File string
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if _, err := l.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns Level as a slog.Level.
func (l *Logging) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("config: Logging: invalid Level %q", l.Level)
	}
	return lvl, nil
}

// State configures persistence of timeout history and plan-B caches.
type State struct {
	// Path is the state database file. Empty disables persistence.
	Path string
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	// Address to serve /metrics on. Empty disables it.
	Address string
}

// Config is the top level circuit manager configuration.
type Config struct {
	Timeouts  *Timeouts
	Path      *Path
	Overrides *Overrides
	Logging   *Logging
	State     *State
	Metrics   *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Timeouts == nil {
		cfg.Timeouts = &Timeouts{}
	}
	if cfg.Path == nil {
		cfg.Path = &Path{}
	}
	if cfg.Overrides == nil {
		cfg.Overrides = &Overrides{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.State == nil {
		cfg.State = &State{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	cfg.Path.applyDefaults()
	cfg.Overrides.applyDefaults()

	if err := cfg.Timeouts.validate(); err != nil {
		return err
	}
	if err := cfg.Path.validate(); err != nil {
		return err
	}
	if _, err := cfg.Overrides.Preferred(); err != nil {
		return err
	}
	return cfg.Logging.validate()
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
