// Package ticker provides a back-pressured periodic scheduler.
//
// A plain time.Ticker fires on a fixed wall-clock cadence regardless of
// whether the previous handler has finished; if the handler itself
// suspends (waits on a channel, makes a network call, awaits a browser
// handshake) ticks pile up and eventually fire concurrently. Better
// schedules its next fire only after the current invocation of fn
// returns, so a slow handler simply runs less often instead of running
// overlapped.
package ticker

import (
	"context"
	"time"
)

// Better runs fn every interval, but never starts a new invocation before
// the previous one has returned. It blocks until ctx is canceled.
type Better struct {
	interval time.Duration
	fn       func(ctx context.Context)

	// kick requests an out-of-band run as soon as the current one (if
	// any) completes, without waiting for the next scheduled tick. Used
	// by the admission loop so a freshly started task doesn't leave the
	// ticker idling for a full interval before it tries again.
	kick chan struct{}
}

// New creates a Better ticker. fn is invoked synchronously on the
// scheduler's own goroutine; it must not block indefinitely.
func New(interval time.Duration, fn func(ctx context.Context)) *Better {
	return &Better{
		interval: interval,
		fn:       fn,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests that fn run again as soon as possible, without waiting
// for the rest of the current interval to elapse. Safe to call from
// inside fn or from another goroutine. Non-blocking.
func (b *Better) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Run blocks, invoking fn on every interval (or sooner, on Kick) until
// ctx is canceled. Each fn call completes before the next is scheduled.
func (b *Better) Run(ctx context.Context) {
	timer := time.NewTimer(b.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			b.fn(ctx)
		case <-b.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			b.fn(ctx)
		}

		if ctx.Err() != nil {
			return
		}
		timer.Reset(b.interval)
	}
}
