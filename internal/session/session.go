// Package session manages reusable fetch identities: cookie-carrying colly
// collectors with stable browser fingerprints, pooled for exclusive
// checkout by workers.
package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
)

// Session is one fetch identity. Its collector owns a private cookie jar
// and transport, so cookies set by the target persist across requests of
// the same session and are never shared between sessions. A session is
// exclusively owned between Checkout and Release.
type Session struct {
	id        string
	fp        Fingerprint
	collector *colly.Collector
	transport *http.Transport
	createdAt time.Time
	ephemeral bool
	uses      int
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Fingerprint returns the browser identity the session presents.
func (s *Session) Fingerprint() Fingerprint { return s.fp }

// CreatedAt returns when the session was built.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Ephemeral reports whether the session was created outside the pool as a
// checkout-timeout fallback. Ephemeral sessions are destroyed on release.
func (s *Session) Ephemeral() bool { return s.ephemeral }

// Uses returns how many times the session has been checked out.
func (s *Session) Uses() int { return s.uses }

// Collector returns the session's base collector. Callers clone it per
// request; clones share the cookie jar and transport.
func (s *Session) Collector() *colly.Collector { return s.collector }

func (s *Session) close() {
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
}

// Factory creates sessions, both for pool prewarming and for ephemeral
// fallbacks.
type Factory func(ctx context.Context) (*Session, error)

// NewFactory builds the default factory: each session gets a random
// fingerprint, a fresh cookie jar, and its own transport.
func NewFactory(cfg Config) Factory {
	return func(_ context.Context) (*Session, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate session id: %w", err)
		}
		fp := RandomFingerprint()

		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}

		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}

		c := colly.NewCollector(
			colly.UserAgent(fp.UserAgent),
			colly.AllowURLRevisit(),
			colly.IgnoreRobotsTxt(),
		)
		c.SetCookieJar(jar)
		c.WithTransport(transport)
		if cfg.RequestTimeout > 0 {
			c.SetRequestTimeout(cfg.RequestTimeout)
		}

		return &Session{
			id:        id.String(),
			fp:        fp,
			collector: c,
			transport: transport,
			createdAt: time.Now(),
		}, nil
	}
}
