package harvest

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"
)

// RetryPolicy bounds local retries with exponential backoff. MaxAttempts
// counts the initial attempt, so MaxAttempts of 1 means no retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy applied to transient failures when
// configuration does not override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// ShouldRetry reports whether another attempt is allowed after err.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Backoff returns the delay before the given (1-based) attempt is retried:
// exponential in the attempt number, capped at MaxDelay, plus up to 50%
// random jitter to spread concurrent retries apart.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.BaseDelay
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxDelay {
			backoff = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	return backoff + randomJitter(backoff/2)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// Retrier maps failure kinds to retry policies. Kinds without an entry get
// a single attempt: anti-bot blocks are the breaker's business, and
// extract/validation failures would fail identically on a retry.
type Retrier struct {
	policies map[FailureKind]RetryPolicy
}

// NewRetrier builds a Retrier that retries transient failures (network
// errors and non-2xx statuses) under the given policy.
func NewRetrier(transient RetryPolicy) *Retrier {
	return &Retrier{policies: map[FailureKind]RetryPolicy{
		FailureNetwork: transient,
		FailureStatus:  transient,
	}}
}

// For returns the retry policy for one failure kind.
func (r *Retrier) For(kind FailureKind) RetryPolicy {
	if r == nil {
		return RetryPolicy{MaxAttempts: 1}
	}
	if p, ok := r.policies[kind]; ok {
		return p
	}
	return RetryPolicy{MaxAttempts: 1}
}

// Do runs op until it succeeds, its failure kind is exhausted, or ctx ends
// while backing off. The attempt number passed to op is 1-based. The last
// attempt's error is returned unwrapped so callers can classify it.
func (r *Retrier) Do(ctx context.Context, op func(attempt int) error) error {
	attempt := 1
	for {
		err := op(attempt)
		if err == nil {
			return nil
		}
		policy := r.For(Classify(err))
		if !policy.ShouldRetry(err, attempt) {
			return err
		}
		if sleepErr := Sleep(ctx, policy.Backoff(attempt)); sleepErr != nil {
			return err
		}
		attempt++
	}
}

// Sleep waits for d unless ctx ends first, in which case it returns the
// context's error.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
