// Package breaker implements the circuit breaker guarding target fetches.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/metrics"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
// It aliases the domain sentinel so harvest.Classify recognizes rejections
// without importing this package.
var ErrOpen = harvest.ErrBreakerOpen

// State is the breaker's position in its lifecycle.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Clock supplies the current time; satisfied by clock/system.Clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// that trips the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long after the last failure calls stay
	// rejected before probing resumes.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of successful probes in HALF_OPEN
	// required to close the breaker again.
	SuccessThreshold int
}

// Validate rejects unusable threshold combinations.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker recovery timeout must be positive, got %v", c.RecoveryTimeout)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker success threshold must be positive, got %d", c.SuccessThreshold)
	}
	return nil
}

// Breaker is a three-state circuit breaker shared by all workers of a run.
// The OPEN to HALF_OPEN transition is lazy: it happens when the first call
// after the recovery deadline is evaluated, not on a timer. HALF_OPEN
// probes are deliberately not serialized; concurrent probes are allowed
// and their results are applied in completion order.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	clock       Clock
	logger      *zap.Logger
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// New creates a Breaker in the CLOSED state. A nil clock falls back to the
// system clock.
func New(cfg Config, clk Clock, logger *zap.Logger) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("breaker config: %w", err)
	}
	if clk == nil {
		clk = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, clock: clk, logger: logger}, nil
}

// Do runs op if the breaker admits the call and feeds the result back into
// the state machine. When the breaker is open, op is never invoked and
// ErrOpen is returned. op runs outside the breaker's lock.
func (b *Breaker) Do(op func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := op(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state without evaluating a transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if b.clock.Now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen)
		return nil
	}
	return ErrOpen
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// A probe that completed after a sibling already reopened the
		// breaker does not count toward recovery.
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.lastFailure = now
		b.transitionLocked(StateOpen)
	case StateOpen:
		// Late probe failure: refresh the recovery deadline.
		b.lastFailure = now
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.logger.Info("circuit breaker state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	metrics.ObserveBreakerTransition(from.String(), to.String(), to.gauge())
}
