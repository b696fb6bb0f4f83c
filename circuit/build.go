// Package circuit builds circuits along a chosen path. The handshakes
// themselves are performed by a channel layer reached through ChanMgr.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cvsouth/tor-circmgr/circerr"
	"github.com/cvsouth/tor-circmgr/pathselect"
	"github.com/cvsouth/tor-circmgr/timeouts"
)

// Builder constructs circuits under the estimator's soft and hard timeouts.
type Builder struct {
	chanmgr   ChanMgr
	estimator timeouts.Estimator
	metrics   *Metrics
	logger    *slog.Logger
}

// NewBuilder creates a Builder. metrics may be nil.
func NewBuilder(chanmgr ChanMgr, estimator timeouts.Estimator, metrics *Metrics, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{chanmgr: chanmgr, estimator: estimator, metrics: metrics, logger: logger}
}

// Estimator returns the timeout estimator the builder reports to.
func (b *Builder) Estimator() timeouts.Estimator {
	return b.estimator
}

// Build constructs a circuit along path. The returned circuit has exactly
// path.Len() hops. If the build is still running when the soft timeout
// expires Build returns circerr.ErrCircTimeout; the build continues in the
// background until the hard timeout and any circuit it produces is closed.
func (b *Builder) Build(ctx context.Context, path *pathselect.Path, params CircParameters, rng *rand.Rand) (*Circ, error) {
	if path == nil {
		return nil, circerr.BadInput("nil path")
	}
	if rng == nil {
		return nil, circerr.BadInput("nil random generator")
	}
	if ctx.Err() != nil {
		return nil, circerr.ErrCancelled
	}
	owned, err := path.Owned()
	if err != nil {
		return nil, err
	}
	soft, hard := b.estimator.Timeouts(timeouts.BuildCircuit(owned.Len()))

	// The background build must not share the caller's generator.
	buildRng := rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))

	var hopsBuilt atomic.Int32
	start := time.Now()
	b.metrics.buildLaunched()
	b.logger.Debug("building circuit", "path", path.String(), "soft", soft, "hard", hard)

	circ, err := DoubleTimeout(ctx, soft, hard,
		func(ctx context.Context) (*Circ, error) {
			return b.buildNoTimeout(ctx, owned, params, start, &hopsBuilt, buildRng)
		},
		func(c *Circ) {
			b.metrics.buildAbandoned()
			b.logger.Debug("closing circuit completed after timeout", "path", path.String())
			c.Close()
		})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		b.metrics.buildFinished(outcomeSucceeded, owned.Len(), elapsed)
		b.logger.Info("circuit built", "path", path.String(), "hops", circ.NHops(), "elapsed", elapsed)
		return circ, nil
	case errors.Is(err, circerr.ErrCircTimeout):
		built := int(hopsBuilt.Load())
		b.estimator.NoteCircTimeout(built, elapsed)
		b.metrics.buildFinished(outcomeTimedOut, owned.Len(), elapsed)
		b.logger.Warn("circuit build timed out", "path", path.String(), "hops_built", built, "elapsed", elapsed)
	case errors.Is(err, circerr.ErrCancelled):
		b.metrics.buildFinished(outcomeCancelled, owned.Len(), elapsed)
	default:
		b.metrics.buildFinished(outcomeFailed, owned.Len(), elapsed)
		b.logger.Debug("circuit build failed", "path", path.String(), "error", err)
	}
	return nil, err
}

// buildNoTimeout opens the first channel and runs the hop handshakes in
// order, reporting each completed hop to the estimator.
func (b *Builder) buildNoTimeout(ctx context.Context, owned pathselect.OwnedPath, params CircParameters, start time.Time, hopsBuilt *atomic.Int32, rng *rand.Rand) (*Circ, error) {
	first, err := owned.FirstHop()
	if err != nil {
		return nil, err
	}
	ch, err := b.chanmgr.GetOrLaunch(ctx, first)
	if err != nil {
		return nil, &circerr.ChannelError{Target: first.String(), Err: err}
	}
	pending, reactor, err := ch.NewCirc(ctx, rng)
	if err != nil {
		return nil, &circerr.ProtocolError{Stage: "allocate circuit", Err: err}
	}

	reactorCtx, stopReactor := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		if err := reactor.Run(reactorCtx); err != nil && reactorCtx.Err() == nil {
			b.logger.Debug("circuit reactor exited", "target", first.String(), "error", err)
		}
	}()

	cc, err := b.runHops(ctx, pending, owned, params, start, hopsBuilt)
	if err != nil {
		stopReactor()
		return nil, err
	}
	if n := cc.NHops(); n != owned.Len() {
		cc.Close()
		stopReactor()
		return nil, &circerr.ProtocolError{Stage: "verify", Err: fmt.Errorf("circuit has %d hops, want %d", n, owned.Len())}
	}
	return newCirc(cc, stopReactor), nil
}

func (b *Builder) runHops(ctx context.Context, pending PendingCirc, owned pathselect.OwnedPath, params CircParameters, start time.Time, hopsBuilt *atomic.Int32) (ClientCirc, error) {
	hopDone := func(hop int) {
		hopsBuilt.Add(1)
		last := hop == owned.Len()-1
		b.estimator.NoteHopCompleted(hop, time.Since(start), last)
		b.logger.Debug("hop complete", "hop", hop, "last", last)
	}

	if owned.ChannelOnly {
		cc, err := pending.CreateFirstHopFast(ctx, params)
		if err != nil {
			return nil, &circerr.ProtocolError{Stage: "create_fast", Err: err}
		}
		hopDone(0)
		return cc, nil
	}

	cc, err := pending.CreateFirstHopNtor(ctx, owned.Hops[0], params)
	if err != nil {
		return nil, &circerr.ProtocolError{Stage: "create ntor", Err: err}
	}
	hopDone(0)
	for i, hop := range owned.Hops[1:] {
		if err := cc.ExtendNtor(ctx, hop, params); err != nil {
			cc.Close()
			return nil, &circerr.ProtocolError{Stage: fmt.Sprintf("extend to hop %d", i+1), Err: err}
		}
		hopDone(i + 1)
	}
	return cc, nil
}
