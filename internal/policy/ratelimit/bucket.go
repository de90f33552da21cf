// Package ratelimit implements the request admission policy: a global token
// bucket enforcing the contractual request ceiling, plus an optional
// per-host politeness limiter layered on top.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// TokenBucket is a context-aware token bucket shared by all workers. Refill
// is lazy: tokens are credited from elapsed wall-clock time on each acquire
// instead of by a background goroutine, so an idle bucket costs nothing.
// The mutex guards only the token arithmetic; waiting happens outside the
// lock so a blocked acquirer never starves concurrent callers.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
}

// NewTokenBucket creates a bucket that refills at ratePerSec tokens per
// second up to capacity. A non-positive capacity defaults to twice the
// rate (minimum 1), enough to absorb a short burst without breaking the
// long-run ceiling. The bucket starts full.
func NewTokenBucket(ratePerSec, capacity float64) (*TokenBucket, error) {
	if ratePerSec <= 0 {
		return nil, fmt.Errorf("token bucket rate must be positive, got %v", ratePerSec)
	}
	if capacity <= 0 {
		capacity = math.Max(1, ratePerSec*2)
	}
	return &TokenBucket{
		capacity: capacity,
		tokens:   capacity,
		rate:     ratePerSec,
		last:     time.Now(),
	}, nil
}

// Acquire blocks until one token is available or ctx ends. The wait loop is
// iterative: each pass refills from elapsed time, takes a token if one is
// there, and otherwise sleeps just long enough for the deficit to refill
// before trying again. Competing acquirers are not queued; wakeup order is
// scheduler-dependent.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refillLocked(time.Now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		deficit := 1 - b.tokens
		b.mu.Unlock()

		wait := time.Duration(deficit / b.rate * float64(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire token: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Tokens reports the current token count after a refill. Fractional values
// are expected between refill boundaries.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}
