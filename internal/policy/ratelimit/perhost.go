package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// PerHost applies an independent rate limit per hostname so the global
// ceiling cannot be concentrated on a single host. Limiters are created on
// first use with the default rate and burst.
type PerHost struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewPerHost creates a per-host limiter. A non-positive rps disables the
// limit (infinite rate); a non-positive burst defaults to 1.
func NewPerHost(rps float64, burst int) *PerHost {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &PerHost{
		limiters: make(map[string]*rate.Limiter),
		rps:      r,
		burst:    burst,
	}
}

// Wait blocks until the URL's host admits one request, respecting the context.
func (p *PerHost) Wait(ctx context.Context, rawURL string) error {
	host := harvest.HostOf(rawURL)
	if host == "" {
		host = "unknown"
	}

	p.mu.Lock()
	limiter, ok := p.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(p.rps, p.burst)
		p.limiters[host] = limiter
	}
	p.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("per-host rate wait: %w", err)
	}
	return nil
}
