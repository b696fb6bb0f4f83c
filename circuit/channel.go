package circuit

import (
	"context"
	"math/rand/v2"

	"github.com/cvsouth/tor-circmgr/pathselect"
)

// CircParameters are the per-circuit options passed to every handshake.
type CircParameters struct {
	// InitialSendWindow is the circuit-level SENDME window.
	InitialSendWindow uint16
	// ExtendByEd25519ID includes the Ed25519 identity in EXTEND2 link
	// specifiers.
	ExtendByEd25519ID bool
}

// DefaultCircParameters returns the parameters used for ordinary circuits.
func DefaultCircParameters() CircParameters {
	return CircParameters{InitialSendWindow: 1000, ExtendByEd25519ID: true}
}

// ChanMgr hands out channels to relays, launching them when needed.
type ChanMgr interface {
	GetOrLaunch(ctx context.Context, target pathselect.LinkTarget) (Channel, error)
}

// Channel is an open link to a relay.
type Channel interface {
	// NewCirc allocates a circuit on the channel. The returned Reactor must
	// be run for the circuit to make progress.
	NewCirc(ctx context.Context, rng *rand.Rand) (PendingCirc, Reactor, error)
}

// Reactor drives a circuit's cells. Run returns when ctx is cancelled or
// the circuit is torn down.
type Reactor interface {
	Run(ctx context.Context) error
}

// PendingCirc is an allocated circuit with no hops.
type PendingCirc interface {
	// CreateFirstHopFast performs the unauthenticated CREATE_FAST handshake.
	CreateFirstHopFast(ctx context.Context, params CircParameters) (ClientCirc, error)
	// CreateFirstHopNtor performs the ntor handshake with target.
	CreateFirstHopNtor(ctx context.Context, target pathselect.LinkTarget, params CircParameters) (ClientCirc, error)
}

// ClientCirc is a circuit with at least one hop.
type ClientCirc interface {
	ExtendNtor(ctx context.Context, target pathselect.LinkTarget, params CircParameters) error
	NHops() int
	Close() error
}
