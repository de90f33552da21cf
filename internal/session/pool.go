package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/metrics"
)

// ErrClosed is returned by Checkout after the pool has been closed.
var ErrClosed = errors.New("session pool closed")

const defaultCheckoutTimeout = 30 * time.Second

// Config holds session pool settings.
type Config struct {
	// Size is the number of pooled sessions, prewarmed at startup.
	Size int
	// MaxAge evicts sessions older than this on checkout; zero disables
	// age eviction.
	MaxAge time.Duration
	// CheckoutTimeout bounds how long Checkout waits for an idle session
	// before falling back to an ephemeral one.
	CheckoutTimeout time.Duration
	// RequestTimeout is applied to each session's collector.
	RequestTimeout time.Duration
}

// Validate rejects unusable pool settings.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("session pool size must be positive, got %d", c.Size)
	}
	return nil
}

// Pool hands out sessions for exclusive use. Exclusivity comes from channel
// semantics: a session is either in the idle channel or held by exactly one
// worker. Checkout that outlasts CheckoutTimeout builds a one-shot
// ephemeral session instead of failing, so a wedged worker cannot starve
// the whole run.
type Pool struct {
	cfg     Config
	factory Factory
	idle    chan *Session
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool prewarms Size sessions through the factory.
func NewPool(ctx context.Context, cfg Config, factory Factory, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session pool config: %w", err)
	}
	if factory == nil {
		factory = NewFactory(cfg)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		idle:    make(chan *Session, cfg.Size),
		logger:  logger.Named("sessions"),
	}
	for i := 0; i < cfg.Size; i++ {
		s, err := factory(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("prewarm session %d: %w", i, err)
		}
		p.idle <- s
	}
	p.logger.Info("session pool ready", zap.Int("size", cfg.Size))
	return p, nil
}

// Size returns the pooled session count.
func (p *Pool) Size() int { return cap(p.idle) }

// Checkout hands an idle session exclusively to the caller. Sessions past
// MaxAge are replaced before handout.
func (p *Pool) Checkout(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	timeout := p.cfg.CheckoutTimeout
	if timeout <= 0 {
		timeout = defaultCheckoutTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-p.idle:
		if p.cfg.MaxAge > 0 && time.Since(s.createdAt) > p.cfg.MaxAge {
			s = p.replaceAged(ctx, s)
		}
		s.uses++
		metrics.ObserveSessionCheckout("pooled")
		return s, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("session checkout: %w", ctx.Err())
	case <-timer.C:
		s, err := p.factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("create ephemeral session: %w", err)
		}
		s.ephemeral = true
		s.uses++
		metrics.ObserveSessionCheckout("ephemeral")
		p.logger.Debug("pool exhausted, using ephemeral session", zap.String("session_id", s.id))
		return s, nil
	}
}

// replaceAged evicts an over-age session and builds its replacement. If the
// factory fails, the aged session is reused: availability beats freshness.
func (p *Pool) replaceAged(ctx context.Context, aged *Session) *Session {
	fresh, err := p.factory(ctx)
	if err != nil {
		p.logger.Warn("session refresh failed, reusing aged session",
			zap.String("session_id", aged.id), zap.Error(err))
		return aged
	}
	metrics.ObserveSessionEviction()
	p.logger.Debug("evicted aged session",
		zap.String("old_session_id", aged.id),
		zap.String("new_session_id", fresh.id),
		zap.Duration("age", time.Since(aged.createdAt)),
	)
	aged.close()
	return fresh
}

// Release returns a pooled session to the pool, or destroys an ephemeral
// one. Never blocks.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	if s.ephemeral {
		s.close()
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		s.close()
		return
	}

	select {
	case p.idle <- s:
	default:
		// More releases than checkouts would be a caller bug; destroy
		// rather than block.
		p.logger.Warn("release with full pool, destroying session", zap.String("session_id", s.id))
		s.close()
	}
}

// Close drains and destroys idle sessions. Held sessions are destroyed as
// they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.idle:
			s.close()
		default:
			return
		}
	}
}
