// Package fetch retrieves listing pages through checked-out sessions and
// decides when a page is hostile (anti-bot block) or needs JavaScript
// rendering.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/metrics"
	"github.com/jpns3334444/scraper-sub000/internal/session"
)

// Config controls fetch behavior.
type Config struct {
	// Timeout overrides the session collector's request timeout when set.
	Timeout time.Duration
}

// Client implements harvest.Target over a session's colly collector. Each
// fetch clones the session collector; clones share the session's cookie
// jar and transport, so identity persists while callbacks stay per-request.
type Client struct {
	cfg    Config
	logger *zap.Logger
}

// NewClient builds a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger.Named("fetch")}
}

// Fetch executes a single GET through the session. Non-2xx responses are
// returned as results, not errors: the caller needs block-page bodies for
// anti-bot scanning before deciding how to classify the status.
func (c *Client) Fetch(ctx context.Context, sess *session.Session, rawURL string) (harvest.FetchResult, error) {
	if sess == nil || sess.Collector() == nil {
		return harvest.FetchResult{}, errors.New("fetch requires a session with a collector")
	}

	start := time.Now()
	collector := sess.Collector().Clone()
	collector.UserAgent = sess.Fingerprint().UserAgent
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	if c.cfg.Timeout > 0 {
		collector.SetRequestTimeout(c.cfg.Timeout)
	}

	var (
		result   harvest.FetchResult
		fetchErr error
	)
	headers := sess.Fingerprint().Headers()
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = harvest.FetchResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		metrics.ObserveFetch(rawURL, "http", 0, 0, time.Since(start))
		return harvest.FetchResult{}, err
	}

	metrics.ObserveFetch(rawURL, "http", result.StatusCode, len(result.Body), result.Duration)
	return result, nil
}

func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", rawURL, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", rawURL, *fetchErr)
		}
		return nil
	}
}
