package circuit

import (
	"context"
	"time"

	"github.com/cvsouth/tor-circmgr/circerr"
)

// DoubleTimeout runs work in its own goroutine and waits up to soft for it.
//
// If soft expires first, DoubleTimeout returns circerr.ErrCircTimeout while
// work keeps running until it finishes or hard expires, at which point its
// context is cancelled. A value produced after the caller has stopped
// waiting is passed to discard. If ctx is cancelled first, DoubleTimeout
// returns circerr.ErrCancelled and work likewise runs on until hard.
// Exactly one result reaches the caller. hard is raised to soft if smaller.
func DoubleTimeout[T any](ctx context.Context, soft, hard time.Duration, work func(context.Context) (T, error), discard func(T)) (T, error) {
	hard = max(hard, soft)

	type result struct {
		v   T
		err error
	}
	done := make(chan result)
	gone := make(chan struct{})

	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hard)
	go func() {
		defer cancel()
		v, err := work(bgCtx)
		if err != nil && bgCtx.Err() != nil {
			err = circerr.ErrCircTimeout
		}
		select {
		case done <- result{v, err}:
		case <-gone:
			if err == nil && discard != nil {
				discard(v)
			}
		}
	}()

	timer := time.NewTimer(soft)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		close(gone)
		return zero, circerr.ErrCircTimeout
	case <-ctx.Done():
		close(gone)
		return zero, circerr.ErrCancelled
	}
}
