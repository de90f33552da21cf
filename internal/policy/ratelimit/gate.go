package ratelimit

import (
	"context"
)

// Gate is the admission policy workers consult before every fetch: first
// the global token bucket, then the optional per-host limiter. It
// implements harvest.Policy.
type Gate struct {
	bucket  *TokenBucket
	perHost *PerHost
}

// NewGate combines a global bucket with an optional per-host limiter.
// perHost may be nil.
func NewGate(bucket *TokenBucket, perHost *PerHost) *Gate {
	return &Gate{bucket: bucket, perHost: perHost}
}

// Acquire blocks until both layers admit one request or ctx ends. Callers
// own the wait metric: the worker records the full admission latency.
func (g *Gate) Acquire(ctx context.Context, rawURL string) error {
	if err := g.bucket.Acquire(ctx); err != nil {
		return err
	}
	if g.perHost != nil {
		if err := g.perHost.Wait(ctx, rawURL); err != nil {
			return err
		}
	}
	return nil
}
