package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when cloning a handle that has been closed.
var ErrClosed = errors.New("circuit handle closed")

// Circ is a shared handle to a built circuit. Each handle obtained from
// Build or Clone must be closed; the circuit is torn down when the last
// handle closes.
type Circ struct {
	shared *sharedCirc
	closed atomic.Bool
}

type sharedCirc struct {
	cc          ClientCirc
	stopReactor context.CancelFunc
	refs        atomic.Int64
	once        sync.Once
	err         error
}

func newCirc(cc ClientCirc, stopReactor context.CancelFunc) *Circ {
	s := &sharedCirc{cc: cc, stopReactor: stopReactor}
	s.refs.Store(1)
	return &Circ{shared: s}
}

// Clone returns another handle to the same circuit. It fails once c has
// been closed, or once the circuit itself has been torn down.
func (c *Circ) Clone() (*Circ, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	for {
		n := c.shared.refs.Load()
		if n <= 0 {
			return nil, ErrClosed
		}
		if c.shared.refs.CompareAndSwap(n, n+1) {
			return &Circ{shared: c.shared}, nil
		}
	}
}

// NHops returns the number of hops in the circuit.
func (c *Circ) NHops() int {
	return c.shared.cc.NHops()
}

// ClientCirc returns the underlying circuit.
func (c *Circ) ClientCirc() ClientCirc {
	return c.shared.cc
}

// Close releases this handle. Closing a handle twice is a no-op.
func (c *Circ) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.shared.refs.Add(-1) > 0 {
		return nil
	}
	s := c.shared
	s.once.Do(func() {
		s.err = s.cc.Close()
		if s.stopReactor != nil {
			s.stopReactor()
		}
	})
	return s.err
}
