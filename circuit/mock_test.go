package circuit

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvsouth/tor-circmgr/netdir"
	"github.com/cvsouth/tor-circmgr/pathselect"
	"github.com/cvsouth/tor-circmgr/timeouts"
)

// mockNet is a channel manager whose handshakes take a fixed delay.
type mockNet struct {
	delay     time.Duration
	chanErr   error
	failHop   int // hop index whose handshake fails, or -1
	shortCirc bool

	mu     sync.Mutex
	opened []pathselect.LinkTarget

	closed          atomic.Int32
	reactorsStopped atomic.Int32
	interrupted     atomic.Int32
	completed       atomic.Int32
}

func newMockNet(delay time.Duration) *mockNet {
	return &mockNet{delay: delay, failHop: -1}
}

func (n *mockNet) GetOrLaunch(ctx context.Context, target pathselect.LinkTarget) (Channel, error) {
	if n.chanErr != nil {
		return nil, n.chanErr
	}
	n.mu.Lock()
	n.opened = append(n.opened, target)
	n.mu.Unlock()
	return &mockChannel{net: n}, nil
}

func (n *mockNet) handshake(ctx context.Context, hop int) error {
	if hop == n.failHop {
		return errors.New("handshake refused")
	}
	select {
	case <-time.After(n.delay):
		n.completed.Add(1)
		return nil
	case <-ctx.Done():
		n.interrupted.Add(1)
		return ctx.Err()
	}
}

type mockChannel struct {
	net *mockNet
}

func (c *mockChannel) NewCirc(ctx context.Context, rng *rand.Rand) (PendingCirc, Reactor, error) {
	return &mockPending{net: c.net}, &mockReactor{net: c.net}, nil
}

type mockReactor struct {
	net *mockNet
}

func (r *mockReactor) Run(ctx context.Context) error {
	<-ctx.Done()
	r.net.reactorsStopped.Add(1)
	return ctx.Err()
}

type mockPending struct {
	net *mockNet
}

func (p *mockPending) CreateFirstHopFast(ctx context.Context, params CircParameters) (ClientCirc, error) {
	if err := p.net.handshake(ctx, 0); err != nil {
		return nil, err
	}
	return &mockCirc{net: p.net, hops: 1}, nil
}

func (p *mockPending) CreateFirstHopNtor(ctx context.Context, target pathselect.LinkTarget, params CircParameters) (ClientCirc, error) {
	if !target.HasNtorKey {
		return nil, errors.New("no ntor key")
	}
	if err := p.net.handshake(ctx, 0); err != nil {
		return nil, err
	}
	return &mockCirc{net: p.net, hops: 1}, nil
}

type mockCirc struct {
	net  *mockNet
	hops int
}

func (c *mockCirc) ExtendNtor(ctx context.Context, target pathselect.LinkTarget, params CircParameters) error {
	if err := c.net.handshake(ctx, c.hops); err != nil {
		return err
	}
	if !c.net.shortCirc {
		c.hops++
	}
	return nil
}

func (c *mockCirc) NHops() int { return c.hops }

func (c *mockCirc) Close() error {
	c.net.closed.Add(1)
	return nil
}

type hopNote struct {
	hop     int
	elapsed time.Duration
	last    bool
}

type timeoutNote struct {
	hopsBuilt int
	elapsed   time.Duration
}

// fixedEstimator returns fixed timeouts and records every observation.
type fixedEstimator struct {
	soft, hard time.Duration

	mu       sync.Mutex
	actions  []timeouts.Action
	hops     []hopNote
	timeouts []timeoutNote
}

func (e *fixedEstimator) Timeouts(a timeouts.Action) (time.Duration, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, a)
	return e.soft, e.hard
}

func (e *fixedEstimator) NoteHopCompleted(hop int, elapsed time.Duration, isLast bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hops = append(e.hops, hopNote{hop, elapsed, isLast})
}

func (e *fixedEstimator) NoteCircTimeout(hopsBuilt int, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeouts = append(e.timeouts, timeoutNote{hopsBuilt, elapsed})
}

func (e *fixedEstimator) UpdateParams(netdir.NetParameters) {}

func (e *fixedEstimator) hopNotes() []hopNote {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]hopNote(nil), e.hops...)
}

func (e *fixedEstimator) timeoutNotes() []timeoutNote {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]timeoutNote(nil), e.timeouts...)
}
