// Package ratelimit paces provider calls per endpoint category and applies a
// punitive cooldown after the provider answers 429.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// blockFactor scales the pacing period into the post-429 cooldown.
const blockFactor = 1.5

// Limiter combines a single-token bucket with an explicit "blocked until" gate.
type Limiter struct {
	limiter *rate.Limiter
	period  time.Duration

	mu           sync.Mutex
	blockedUntil time.Time
	now          func() time.Time
}

// New returns a limiter targeting rps requests per second. At or above one
// request per second tokens refill continuously every 1/rps; below that the
// interval is rounded to whole seconds.
func New(rps float64) *Limiter {
	if rps <= 0 || math.IsNaN(rps) || math.IsInf(rps, 0) {
		rps = 1
	}
	var period time.Duration
	if rps >= 1 {
		period = time.Duration(float64(time.Second) / rps)
	} else {
		secs := math.RoundToEven(1 / rps)
		if secs < 1 {
			secs = 1
		}
		period = time.Duration(secs) * time.Second
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Every(period), 1),
		period:  period,
		now:     time.Now,
	}
}

// Period reports the pacing interval between two slots.
func (l *Limiter) Period() time.Duration {
	return l.period
}

// Acquire waits out any outstanding cooldown, then waits for a token.
// It only fails when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := l.waitBlock(ctx); err != nil {
			return err
		}
		if err := l.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		// A 429 may have landed while we were parked on the bucket.
		if l.remainingBlock() <= 0 {
			return nil
		}
	}
}

// Block starts a cooldown of 1.5 periods from now.
func (l *Limiter) Block() {
	until := l.now().Add(time.Duration(float64(l.period) * blockFactor))
	l.mu.Lock()
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
	l.mu.Unlock()
}

// BlockedUntil returns the end of the current cooldown, zero when never blocked.
func (l *Limiter) BlockedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockedUntil
}

func (l *Limiter) remainingBlock() time.Duration {
	l.mu.Lock()
	until := l.blockedUntil
	l.mu.Unlock()
	if until.IsZero() {
		return 0
	}
	return until.Sub(l.now())
}

func (l *Limiter) waitBlock(ctx context.Context) error {
	for {
		delay := l.remainingBlock()
		if delay <= 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
