// Package worker implements the fetch-extract-detect pipeline that turns
// claimed backlog items into staged listing records.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/clock/system"
	"github.com/jpns3334444/scraper-sub000/internal/fetch"
	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/hash/sha256"
	"github.com/jpns3334444/scraper-sub000/internal/metrics"
	"github.com/jpns3334444/scraper-sub000/internal/policy/breaker"
	"github.com/jpns3334444/scraper-sub000/internal/pricing"
	"github.com/jpns3334444/scraper-sub000/internal/progress"
	"github.com/jpns3334444/scraper-sub000/internal/session"
)

const defaultRequestTimeout = 30 * time.Second

// Config controls Worker behavior.
type Config struct {
	// RequestTimeout bounds one fetch attempt end to end, including rate
	// admission and session checkout (default 30s).
	RequestTimeout time.Duration
	// SnapshotPrefix prefixes snapshot object keys.
	SnapshotPrefix string
	// SnapshotContentType is stored with each snapshot.
	SnapshotContentType string
	// Topic receives price-change events; empty disables publishing.
	Topic string
}

// Deps collects the worker's collaborators. Target, Extractor, Detector,
// Listings, Policy, Breaker, and Sessions are required; the rest default to
// safe no-ops or system implementations.
type Deps struct {
	Target    harvest.Target
	Headless  harvest.Target
	Heuristic *fetch.RenderHeuristic
	AntiBot   *fetch.AntiBotDetector
	Extractor harvest.Extractor
	Detector  *pricing.Detector
	Listings  harvest.ListingStore
	Snapshots harvest.SnapshotStore
	Publisher harvest.Publisher
	Hasher    harvest.Hasher
	Clock     harvest.Clock
	Policy    harvest.Policy
	Breaker   *breaker.Breaker
	Sessions  *session.Pool
	Retrier   *harvest.Retrier
	Progress  progress.Emitter
	Logger    *zap.Logger
}

// Worker consumes queue items and executes the item pipeline: rate
// admission, session checkout, fetch through the breaker, optional headless
// promotion, extraction, validation, price detection, and decoration of the
// staged record with a content hash and snapshot URI.
type Worker struct {
	target    harvest.Target
	headless  harvest.Target
	heuristic *fetch.RenderHeuristic
	antibot   *fetch.AntiBotDetector
	extractor harvest.Extractor
	detector  *pricing.Detector
	listings  harvest.ListingStore
	snapshots harvest.SnapshotStore
	publisher harvest.Publisher
	hasher    harvest.Hasher
	clock     harvest.Clock
	policy    harvest.Policy
	breaker   *breaker.Breaker
	sessions  *session.Pool
	retrier   *harvest.Retrier
	progress  progress.Emitter
	logger    *zap.Logger
	cfg       Config
}

// New constructs a Worker.
func New(deps Deps, cfg Config) (*Worker, error) {
	switch {
	case deps.Target == nil:
		return nil, errors.New("target fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Detector == nil:
		return nil, errors.New("price detector is required")
	case deps.Listings == nil:
		return nil, errors.New("listing store is required")
	case deps.Policy == nil:
		return nil, errors.New("rate policy is required")
	case deps.Breaker == nil:
		return nil, errors.New("circuit breaker is required")
	case deps.Sessions == nil:
		return nil, errors.New("session pool is required")
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Retrier == nil {
		deps.Retrier = harvest.NewRetrier(harvest.DefaultRetryPolicy())
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.SnapshotContentType == "" {
		cfg.SnapshotContentType = "text/html; charset=utf-8"
	}
	return &Worker{
		target:    deps.Target,
		headless:  deps.Headless,
		heuristic: deps.Heuristic,
		antibot:   deps.AntiBot,
		extractor: deps.Extractor,
		detector:  deps.Detector,
		listings:  deps.Listings,
		snapshots: deps.Snapshots,
		publisher: deps.Publisher,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		policy:    deps.Policy,
		breaker:   deps.Breaker,
		sessions:  deps.Sessions,
		retrier:   deps.Retrier,
		progress:  deps.Progress,
		logger:    deps.Logger,
		cfg:       cfg,
	}, nil
}

// Run consumes queue items until the queue closes or ctx ends, sending one
// result per item on results. Multiple goroutines may share a queue and a
// results channel.
func (w *Worker) Run(ctx context.Context, queue harvest.Queue, results chan<- harvest.ItemResult) {
	for {
		qi, err := queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, harvest.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		res := w.Process(ctx, qi)
		select {
		case results <- res:
		case <-ctx.Done():
			return
		}
	}
}

// Process runs one item through the pipeline and reports its outcome. It
// never returns an error: failures are classified into the result.
func (w *Worker) Process(ctx context.Context, qi harvest.QueueItem) harvest.ItemResult {
	start := time.Now()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	res := w.processItem(ctx, qi)
	metrics.ObserveItem(string(res.Outcome), string(res.Kind))
	if w.progress != nil {
		w.progress.Emit(progress.ItemProcessed(qi.RunID, res, time.Since(start), w.clock.Now()))
	}
	return res
}

func (w *Worker) processItem(runCtx context.Context, qi harvest.QueueItem) harvest.ItemResult {
	item := qi.Item
	result := harvest.ItemResult{Item: item}

	var page harvest.FetchResult
	err := w.retrier.Do(runCtx, func(int) error {
		fetched, fetchErr := w.fetchOnce(runCtx, item.URL)
		if fetchErr != nil {
			return fetchErr
		}
		page = fetched
		return nil
	})
	if err != nil {
		return w.failed(result, err)
	}

	raw, err := w.extractor.Extract(page.Body, item.URL)
	if err != nil {
		return w.failed(result, err)
	}
	// The backlog id keys the listing store; the extractor's URL-derived id
	// only fills in when discovery supplied none.
	if item.ID != "" {
		raw.ID = item.ID
	}
	if err := raw.Validate(); err != nil {
		return w.failed(result, err)
	}

	record, change, err := w.detector.Detect(runCtx, w.listings, raw.ID, raw.Price)
	if err != nil {
		return w.failed(result, err)
	}
	result.Change = change
	if !change.Meaningful() {
		result.Outcome = harvest.OutcomeSkipped
		w.logger.Debug("price unchanged",
			zap.String("listing_id", raw.ID), zap.Int64("price", raw.Price))
		return result
	}

	record.URL = item.URL
	w.decorate(runCtx, &record, page)
	w.publishChange(runCtx, qi.RunID, record, change)

	result.Outcome = harvest.OutcomeStaged
	result.Record = &record
	w.logger.Debug("listing staged",
		zap.String("listing_id", record.ID),
		zap.Bool("first_seen", change.First),
		zap.Int64("price", record.CurrentPrice))
	return result
}

// fetchOnce performs one rate-admitted, breaker-guarded page retrieval. The
// retrier calls it again for transient failures.
func (w *Worker) fetchOnce(runCtx context.Context, rawURL string) (harvest.FetchResult, error) {
	ctx, cancel := context.WithTimeout(runCtx, w.cfg.RequestTimeout)
	defer cancel()

	waitStart := time.Now()
	if err := w.policy.Acquire(ctx, rawURL); err != nil {
		return harvest.FetchResult{}, w.timeoutOr(ctx, runCtx, rawURL, fmt.Errorf("acquire rate permit: %w", err))
	}
	metrics.ObserveRateLimitWait(rawURL, time.Since(waitStart))

	sess, err := w.sessions.Checkout(ctx)
	if err != nil {
		return harvest.FetchResult{}, w.timeoutOr(ctx, runCtx, rawURL, fmt.Errorf("checkout session: %w", err))
	}
	defer w.sessions.Release(sess)

	var page harvest.FetchResult
	err = w.breaker.Do(func() error {
		var fetchErr error
		page, fetchErr = w.fetchPage(ctx, sess, rawURL)
		return fetchErr
	})
	if err != nil {
		return harvest.FetchResult{}, w.timeoutOr(ctx, runCtx, rawURL, err)
	}
	return page, nil
}

// fetchPage runs inside the breaker: fetch, optional headless promotion,
// then anti-bot and status checks. Block pages fail before status codes so
// a 403 challenge page classifies as anti-bot rather than http_status.
func (w *Worker) fetchPage(ctx context.Context, sess *session.Session, rawURL string) (harvest.FetchResult, error) {
	page, err := w.target.Fetch(ctx, sess, rawURL)
	if err != nil {
		return harvest.FetchResult{}, err
	}
	if err := w.checkBlocked(page, rawURL); err != nil {
		return harvest.FetchResult{}, err
	}
	if promoted, ok := w.maybePromote(ctx, sess, rawURL, page); ok {
		page = promoted
		if err := w.checkBlocked(page, rawURL); err != nil {
			return harvest.FetchResult{}, err
		}
	}
	if page.StatusCode < 200 || page.StatusCode >= 300 {
		return harvest.FetchResult{}, &harvest.StatusError{URL: rawURL, StatusCode: page.StatusCode}
	}
	return page, nil
}

func (w *Worker) checkBlocked(page harvest.FetchResult, rawURL string) error {
	if w.antibot == nil {
		return nil
	}
	if sig, blocked := w.antibot.Match(page); blocked {
		return &harvest.AntiBotError{URL: rawURL, Signature: sig}
	}
	return nil
}

// maybePromote re-fetches script-heavy shells through the headless browser.
// Promotion failures fall back to the probe result rather than failing the
// item.
func (w *Worker) maybePromote(
	ctx context.Context,
	sess *session.Session,
	rawURL string,
	page harvest.FetchResult,
) (harvest.FetchResult, bool) {
	if w.headless == nil || w.heuristic == nil || !w.heuristic.ShouldPromote(page) {
		return page, false
	}
	rendered, err := w.headless.Fetch(ctx, sess, rawURL)
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("url", rawURL), zap.Error(err))
		return page, false
	}
	w.logger.Debug("headless promotion applied", zap.String("url", rawURL))
	return rendered, true
}

// timeoutOr converts an attempt-scoped timeout into a retryable network
// error. Run-level cancellations and everything else pass through untouched.
func (w *Worker) timeoutOr(ctx, runCtx context.Context, rawURL string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil {
		return &harvest.NetworkError{
			URL: rawURL,
			Err: fmt.Errorf("request timed out after %s", w.cfg.RequestTimeout),
		}
	}
	return err
}

// decorate attaches the content hash and snapshot URI to a staged record.
// Both are best-effort: the price observation is worth keeping even when
// archiving misbehaves.
func (w *Worker) decorate(ctx context.Context, record *harvest.ListingRecord, page harvest.FetchResult) {
	hash, err := w.hasher.Hash(page.Body)
	if err != nil {
		w.logger.Warn("hash body failed", zap.String("listing_id", record.ID), zap.Error(err))
	} else {
		record.ContentHash = hash
	}
	if w.snapshots == nil {
		return
	}
	uri, err := w.snapshots.Put(ctx, w.snapshotKey(record.ID, record.ContentHash), w.cfg.SnapshotContentType, page.Body)
	if err != nil {
		w.logger.Warn("snapshot failed", zap.String("listing_id", record.ID), zap.Error(err))
		return
	}
	record.SnapshotURI = uri
}

func (w *Worker) snapshotKey(listingID, hash string) string {
	if hash == "" {
		hash = fmt.Sprintf("t%d", w.clock.Now().UnixMilli())
	}
	prefix := strings.Trim(w.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", listingID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, listingID, hash)
}

// publishChange emits a price-change event. Publish failures are logged and
// swallowed: the record still persists and downstream consumers reconcile
// from the store.
func (w *Worker) publishChange(ctx context.Context, runID string, record harvest.ListingRecord, change harvest.PriceChange) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := harvest.PriceChangeEvent{
		RunID:         runID,
		ListingID:     record.ID,
		URL:           record.URL,
		First:         change.First,
		PreviousPrice: record.PreviousPrice,
		CurrentPrice:  record.CurrentPrice,
		DeltaPct:      change.DeltaPct,
		ObservedAt:    w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish price change failed",
			zap.String("listing_id", record.ID), zap.Error(err))
	}
}

func (w *Worker) failed(result harvest.ItemResult, err error) harvest.ItemResult {
	result.Outcome = harvest.OutcomeFailed
	result.Kind = harvest.Classify(err)
	result.Err = err
	w.logger.Warn("item failed",
		zap.String("listing_id", result.Item.ID),
		zap.String("url", result.Item.URL),
		zap.String("kind", string(result.Kind)),
		zap.Error(err))
	return result
}
