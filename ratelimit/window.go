// Package ratelimit gates the strictly serial generation path behind a
// sliding window of recent call timestamps.
//
// Invocation is guaranteed serial by design (one worker, no concurrent
// provider calls), so the window keeps no locks. This is deliberate: the
// serial path is what lets output N feed back in as a continuity reference
// for request N+1.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Window enforces at most Max calls within any span of length Period.
// Not safe for concurrent use; the call path it guards is serial.
type Window struct {
	max    int
	period time.Duration
	stamps []time.Time
	logger *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Window.
type Option func(*Window)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// WithSleeper overrides the blocking sleep. Intended for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Window) { w.sleep = sleep }
}

// NewWindow creates a sliding-window gate allowing max calls per period.
// A max below 1 is clamped to 1.
func NewWindow(max int, period time.Duration, logger *zap.Logger, opts ...Option) *Window {
	if logger == nil {
		logger = zap.NewNop()
	}
	if max < 1 {
		max = 1
	}
	w := &Window{
		max:    max,
		period: period,
		stamps: make([]time.Time, 0, max),
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait blocks until a call slot is free, then records the call. The only
// error it returns is ctx cancellation during the wait.
func (w *Window) Wait(ctx context.Context) error {
	w.evict(w.now())

	if len(w.stamps) >= w.max {
		oldest := w.stamps[0]
		wait := w.period - w.now().Sub(oldest)
		if wait > 0 {
			w.logger.Debug("rate limit window full, waiting",
				zap.Duration("wait", wait),
				zap.Int("in_window", len(w.stamps)))
			if err := w.sleep(ctx, wait); err != nil {
				return err
			}
		}
		w.evict(w.now())
	}

	w.stamps = append(w.stamps, w.now())
	return nil
}

// InWindow returns the number of calls currently inside the window.
func (w *Window) InWindow() int {
	w.evict(w.now())
	return len(w.stamps)
}

// evict drops timestamps older than the window.
func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.period)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
