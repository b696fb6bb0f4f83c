// Package circmgr ties relay selection, path construction, timeout
// estimation and circuit building together behind one client-owned object.
package circmgr

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/cvsouth/tor-circmgr/circerr"
	"github.com/cvsouth/tor-circmgr/circuit"
	"github.com/cvsouth/tor-circmgr/config"
	"github.com/cvsouth/tor-circmgr/netdir"
	"github.com/cvsouth/tor-circmgr/pathselect"
	"github.com/cvsouth/tor-circmgr/selector"
	"github.com/cvsouth/tor-circmgr/statemgr"
	"github.com/cvsouth/tor-circmgr/timeouts"
)

// State keys.
const (
	TimeoutStateKey  = "circuit_timeouts"
	OverrideStateKey = "plan_b_relays"
)

// Option configures a CircMgr.
type Option func(*CircMgr)

// WithMetrics records build statistics in m.
func WithMetrics(m *circuit.Metrics) Option {
	return func(c *CircMgr) { c.metrics = m }
}

// WithRandSource replaces the per-build random generator factory. The
// default seeds a ChaCha8 generator from crypto/rand for every request.
func WithRandSource(f func() *rand.Rand) Option {
	return func(c *CircMgr) { c.newRand = f }
}

// CircMgr builds directory and exit circuits against the current NetDir.
type CircMgr struct {
	cfg       *config.Config
	overrides *selector.Overrides
	paths     *pathselect.Builder
	estimator *timeouts.Pareto
	builder   *circuit.Builder
	metrics   *circuit.Metrics
	store     *statemgr.Store
	params    circuit.CircParameters
	newRand   func() *rand.Rand
	logger    *slog.Logger

	mu     sync.RWMutex
	netdir *netdir.NetDir
	closed bool
}

// New creates a CircMgr. A nil cfg selects the defaults. When
// cfg.State.Path is set, saved timeout history and plan-B caches are loaded
// from it.
func New(cfg *config.Config, chanmgr circuit.ChanMgr, logger *slog.Logger, opts ...Option) (*CircMgr, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &CircMgr{
		cfg:     cfg,
		params:  circuit.DefaultCircParameters(),
		newRand: seededRand,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.overrides = selector.NewOverrides(cfg.Overrides.Capacity)
	preferred, err := cfg.Overrides.Preferred()
	if err != nil {
		return nil, err
	}
	for role, ids := range preferred {
		m.overrides.SetPreferred(role, ids)
	}

	m.paths, err = pathselect.NewBuilder(selector.New(m.overrides, logger), cfg.Path.Length, logger)
	if err != nil {
		return nil, err
	}
	m.estimator = timeouts.NewPareto(cfg.Timeouts.Params(), logger)
	m.builder = circuit.NewBuilder(chanmgr, m.estimator, m.metrics, logger)

	if cfg.State.Path != "" {
		if m.store, err = statemgr.Open(cfg.State.Path); err != nil {
			return nil, err
		}
		m.loadState()
	}
	return m, nil
}

func (m *CircMgr) loadState() {
	var ts timeouts.State
	switch err := m.store.Load(TimeoutStateKey, &ts); {
	case err == nil:
		m.estimator.Restore(&ts)
	case !errors.Is(err, statemgr.ErrNotFound):
		m.logger.Warn("ignoring saved circuit timeout state", "error", err)
	}

	var ovs selector.State
	switch err := m.store.Load(OverrideStateKey, &ovs); {
	case err == nil:
		m.overrides.Restore(&ovs)
	case !errors.Is(err, statemgr.ErrNotFound):
		m.logger.Warn("ignoring saved plan-B relays", "error", err)
	}
}

// SetNetDir installs a new directory snapshot and applies its consensus
// parameters to the timeout estimator.
func (m *CircMgr) SetNetDir(nd *netdir.NetDir) {
	m.mu.Lock()
	m.netdir = nd
	m.mu.Unlock()
	m.estimator.UpdateParams(nd.Params())
	m.logger.Info("network directory updated", "relays", nd.Len(), "valid_after", nd.ValidAfter())
}

// NetDir returns the current directory snapshot.
func (m *CircMgr) NetDir() (*netdir.NetDir, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.netdir == nil {
		return nil, circerr.NoRelays("no network directory")
	}
	return m.netdir, nil
}

// Overrides returns the preferred and plan-B relay store.
func (m *CircMgr) Overrides() *selector.Overrides { return m.overrides }

// Estimator returns the circuit build timeout estimator.
func (m *CircMgr) Estimator() *timeouts.Pareto { return m.estimator }

// PathBuilder returns the path builder.
func (m *CircMgr) PathBuilder() *pathselect.Builder { return m.paths }

// BuildDirCircuit builds a one-hop circuit to a directory cache.
func (m *CircMgr) BuildDirCircuit(ctx context.Context) (*circuit.Circ, error) {
	return m.build(ctx, "directory", m.paths.PickDirPath)
}

// BuildExitCircuit builds a multi-hop circuit whose exit allows every port
// in ports.
func (m *CircMgr) BuildExitCircuit(ctx context.Context, ports ...uint16) (*circuit.Circ, error) {
	return m.build(ctx, "exit", func(nd *netdir.NetDir, rng *rand.Rand) (*pathselect.Path, error) {
		return m.paths.PickExitPath(nd, rng, ports...)
	})
}

// build picks a fresh path for each attempt. Timeouts and failures are
// retried up to Path.MaxAttempts times; cancellation and bad input are not.
func (m *CircMgr) build(ctx context.Context, kind string, pick func(*netdir.NetDir, *rand.Rand) (*pathselect.Path, error)) (*circuit.Circ, error) {
	nd, err := m.NetDir()
	if err != nil {
		return nil, err
	}
	rng := m.newRand()

	var lastErr error
	for attempt := range m.cfg.Path.MaxAttempts {
		if ctx.Err() != nil {
			return nil, circerr.ErrCancelled
		}
		path, err := pick(nd, rng)
		if err == nil {
			var circ *circuit.Circ
			if circ, err = m.builder.Build(ctx, path, m.params, rng); err == nil {
				return circ, nil
			}
		}
		if errors.Is(err, circerr.ErrCancelled) || circerr.IsBadInput(err) {
			return nil, err
		}
		lastErr = err
		m.logger.Warn("circuit build attempt failed", "kind", kind, "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("%s circuit failed after %d attempts: %w", kind, m.cfg.Path.MaxAttempts, lastErr)
}

// SaveState writes timeout history and plan-B caches to the state store.
// It does nothing when persistence is disabled.
func (m *CircMgr) SaveState() error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Store(TimeoutStateKey, m.estimator.State()); err != nil {
		return err
	}
	return m.store.Store(OverrideStateKey, m.overrides.State())
}

// Close saves state and closes the state store.
func (m *CircMgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	err := m.SaveState()
	return errors.Join(err, m.store.Close())
}

func seededRand() *rand.Rand {
	var seed [32]byte
	_, _ = crand.Read(seed[:])
	return rand.New(rand.NewChaCha8(seed))
}
