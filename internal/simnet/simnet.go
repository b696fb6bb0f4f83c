// Package simnet is an in-memory channel layer whose handshakes take a
// Pareto-distributed time and fail at a configurable rate. It stands in for
// real channels in tests and in the circpath simulate command.
package simnet

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvsouth/tor-circmgr/circuit"
	"github.com/cvsouth/tor-circmgr/pathselect"
)

// ErrHandshakeFailed is returned by handshakes chosen to fail.
var ErrHandshakeFailed = errors.New("simnet: handshake failed")

// Config describes the simulated network.
type Config struct {
	// HopLatency is the minimum time a handshake takes.
	HopLatency time.Duration
	// Alpha is the Pareto shape of handshake times. Larger is tighter.
	Alpha float64
	// FailureRate is the probability that a handshake fails.
	FailureRate float64
	// Seed makes the simulation reproducible.
	Seed uint64
}

// Stats counts simulated events.
type Stats struct {
	Channels       int64
	Handshakes     int64
	Failures       int64
	Interrupted    int64
	CircuitsClosed int64
}

// Network implements circuit.ChanMgr.
type Network struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand

	channels    atomic.Int64
	handshakes  atomic.Int64
	failures    atomic.Int64
	interrupted atomic.Int64
	closed      atomic.Int64
}

var _ circuit.ChanMgr = (*Network)(nil)

// New creates a simulated network.
func New(cfg Config) *Network {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 2
	}
	return &Network{cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))}
}

// Stats returns the event counters.
func (n *Network) Stats() Stats {
	return Stats{
		Channels:       n.channels.Load(),
		Handshakes:     n.handshakes.Load(),
		Failures:       n.failures.Load(),
		Interrupted:    n.interrupted.Load(),
		CircuitsClosed: n.closed.Load(),
	}
}

func (n *Network) GetOrLaunch(ctx context.Context, target pathselect.LinkTarget) (circuit.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.channels.Add(1)
	return &channel{net: n}, nil
}

// draw returns the duration of the next handshake and whether it fails.
func (n *Network) draw() (time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	u := 1 - n.rng.Float64()
	d := time.Duration(float64(n.cfg.HopLatency) / math.Pow(u, 1/n.cfg.Alpha))
	return d, n.rng.Float64() < n.cfg.FailureRate
}

func (n *Network) handshake(ctx context.Context) error {
	d, fail := n.draw()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		n.interrupted.Add(1)
		return ctx.Err()
	}
	n.handshakes.Add(1)
	if fail {
		n.failures.Add(1)
		return ErrHandshakeFailed
	}
	return nil
}

type channel struct {
	net *Network
}

func (c *channel) NewCirc(ctx context.Context, rng *rand.Rand) (circuit.PendingCirc, circuit.Reactor, error) {
	return &pending{net: c.net}, reactor{}, nil
}

type reactor struct{}

func (reactor) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type pending struct {
	net *Network
}

func (p *pending) CreateFirstHopFast(ctx context.Context, params circuit.CircParameters) (circuit.ClientCirc, error) {
	if err := p.net.handshake(ctx); err != nil {
		return nil, err
	}
	return &circ{net: p.net, hops: 1}, nil
}

func (p *pending) CreateFirstHopNtor(ctx context.Context, target pathselect.LinkTarget, params circuit.CircParameters) (circuit.ClientCirc, error) {
	if !target.HasNtorKey {
		return nil, errors.New("simnet: target has no ntor key")
	}
	if err := p.net.handshake(ctx); err != nil {
		return nil, err
	}
	return &circ{net: p.net, hops: 1}, nil
}

type circ struct {
	net  *Network
	hops int
}

func (c *circ) ExtendNtor(ctx context.Context, target pathselect.LinkTarget, params circuit.CircParameters) error {
	if !target.HasNtorKey {
		return errors.New("simnet: target has no ntor key")
	}
	if err := c.net.handshake(ctx); err != nil {
		return err
	}
	c.hops++
	return nil
}

func (c *circ) NHops() int { return c.hops }

func (c *circ) Close() error {
	c.net.closed.Add(1)
	return nil
}
