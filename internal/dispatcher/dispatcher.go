// Package dispatcher drives the claim-fetch-extract-persist loop under a
// wall-clock budget. One dispatcher run claims batches from the shared
// backlog, fans them out to a bounded worker pool over an in-process queue,
// persists staged records in batches, and retries failed writes once before
// the budget runs out.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/clock/system"
	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	iduuid "github.com/jpns3334444/scraper-sub000/internal/id/uuid"
	"github.com/jpns3334444/scraper-sub000/internal/logging"
	"github.com/jpns3334444/scraper-sub000/internal/metrics"
	"github.com/jpns3334444/scraper-sub000/internal/progress"
	queuemem "github.com/jpns3334444/scraper-sub000/internal/queue/memory"
)

// Config bounds one dispatcher run.
type Config struct {
	// Budget is the wall-clock ceiling for the whole run.
	Budget time.Duration
	// StopMargin stops the claim loop once remaining budget falls below it,
	// leaving room for in-flight work to finish.
	StopMargin time.Duration
	// FinalRetryMargin is the minimum remaining budget required to attempt
	// the final persistence retry.
	FinalRetryMargin time.Duration
	// MaxWorkers is the number of concurrent queue consumers.
	MaxWorkers int
	// BatchSize caps one claim scan.
	BatchSize int
	// ClaimTTL releases claims older than this at run start, recovering
	// items abandoned by crashed runs. Zero disables the sweep.
	ClaimTTL time.Duration
}

// Validate rejects unusable run settings.
func (c Config) Validate() error {
	if c.Budget <= 0 {
		return fmt.Errorf("dispatcher budget must be positive, got %v", c.Budget)
	}
	if c.StopMargin < 0 || c.StopMargin >= c.Budget {
		return fmt.Errorf("stop margin must be shorter than the budget, got %v", c.StopMargin)
	}
	if c.FinalRetryMargin < 0 || c.FinalRetryMargin >= c.Budget {
		return fmt.Errorf("final retry margin must be shorter than the budget, got %v", c.FinalRetryMargin)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive, got %d", c.MaxWorkers)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.ClaimTTL < 0 {
		return fmt.Errorf("claim ttl must not be negative, got %v", c.ClaimTTL)
	}
	return nil
}

// Runner consumes queue items and reports one result per item. It is
// satisfied by *worker.Worker and must be safe for concurrent use; the
// dispatcher starts MaxWorkers goroutines over a single Runner.
type Runner interface {
	Run(ctx context.Context, queue harvest.Queue, results chan<- harvest.ItemResult)
}

// Deps collects the dispatcher's collaborators. Claims, Listings, and
// Runner are required.
type Deps struct {
	Claims   harvest.ClaimStore
	Listings harvest.ListingStore
	Runner   Runner
	IDs      harvest.IDGenerator
	Clock    harvest.Clock
	Progress progress.Emitter
	Metrics  harvest.MetricsSink
	Logger   *zap.Logger
}

// Dispatcher orchestrates one budgeted run at a time. The claim loop is
// single-threaded; parallelism lives entirely in the worker pool.
type Dispatcher struct {
	claims   harvest.ClaimStore
	listings harvest.ListingStore
	runner   Runner
	ids      harvest.IDGenerator
	clock    harvest.Clock
	progress progress.Emitter
	sink     harvest.MetricsSink
	logger   *zap.Logger
	cfg      Config
}

// New constructs a Dispatcher.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher config: %w", err)
	}
	switch {
	case deps.Claims == nil:
		return nil, errors.New("claim store is required")
	case deps.Listings == nil:
		return nil, errors.New("listing store is required")
	case deps.Runner == nil:
		return nil, errors.New("runner is required")
	}
	if deps.IDs == nil {
		deps.IDs = iduuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Dispatcher{
		claims:   deps.Claims,
		listings: deps.Listings,
		runner:   deps.Runner,
		ids:      deps.IDs,
		clock:    deps.Clock,
		progress: deps.Progress,
		sink:     deps.Metrics,
		logger:   deps.Logger,
		cfg:      cfg,
	}, nil
}

// Run executes one budgeted dispatcher run and returns its summary. The
// summary is valid even when an error is returned; counters reflect the
// work completed before the abort. Cancellation is cooperative: the budget
// and context are checked between batches, never inside in-flight work.
func (d *Dispatcher) Run(ctx context.Context) (harvest.RunSummary, error) {
	runID, err := d.ids.NewID()
	if err != nil {
		return harvest.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	start := d.clock.Now()
	summary := harvest.RunSummary{RunID: runID, StartedAt: start}
	logger := logging.WithRun(d.logger, runID)

	logger.Info("run starting",
		zap.Duration("budget", d.cfg.Budget),
		zap.Int("max_workers", d.cfg.MaxWorkers),
		zap.Int("batch_size", d.cfg.BatchSize))
	d.emit(progress.RunStarted(runID, start))

	d.releaseStale(ctx, logger)

	queue := queuemem.NewQueue(d.cfg.BatchSize)
	results := make(chan harvest.ItemResult, d.cfg.BatchSize)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runner.Run(ctx, queue, results)
		}()
	}

	retry, runErr := d.claimLoop(ctx, logger, runID, start, queue, results, &summary)

	queue.Close()
	wg.Wait()

	d.finalRetry(ctx, logger, retry, start, &summary)

	summary.FinishedAt = d.clock.Now()
	d.emitSummary(summary)
	if runErr != nil {
		metrics.ObserveRun("error")
		d.emit(progress.RunFailed(summary, runErr))
		logger.Error("run aborted", zap.Error(runErr), zap.Duration("elapsed", summary.Duration()))
		return summary, runErr
	}
	metrics.ObserveRun("success")
	d.emit(progress.RunCompleted(summary))
	logger.Info("run complete",
		zap.Duration("elapsed", summary.Duration()),
		zap.Int("batches", summary.Batches),
		zap.Int("claimed", summary.Claimed),
		zap.Int("saved", summary.Saved),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("lost", summary.Lost))
	return summary, nil
}

// claimLoop scans, claims, and processes batches until the backlog empties,
// the stop margin is reached, or the context ends. It returns records whose
// persistence must be retried.
func (d *Dispatcher) claimLoop(
	ctx context.Context,
	logger *zap.Logger,
	runID string,
	start time.Time,
	queue harvest.Queue,
	results <-chan harvest.ItemResult,
	summary *harvest.RunSummary,
) ([]harvest.ListingRecord, error) {
	var retry []harvest.ListingRecord
	for {
		if err := ctx.Err(); err != nil {
			return retry, fmt.Errorf("run canceled: %w", err)
		}
		elapsed := d.clock.Now().Sub(start)
		if elapsed >= d.cfg.Budget-d.cfg.StopMargin {
			logger.Info("stop margin reached, no further claims",
				zap.Duration("elapsed", elapsed), zap.Duration("budget", d.cfg.Budget))
			return retry, nil
		}

		items, err := d.claims.ScanUnclaimed(ctx, d.cfg.BatchSize)
		if err != nil {
			return retry, fmt.Errorf("scan backlog: %w", err)
		}
		summary.Scanned += len(items)
		if len(items) == 0 {
			logger.Info("backlog exhausted", zap.Int("batches", summary.Batches))
			return retry, nil
		}

		claimed, err := d.claims.Claim(ctx, items)
		if err != nil {
			return retry, fmt.Errorf("claim batch: %w", err)
		}
		summary.Claimed += len(claimed)
		if len(claimed) == 0 {
			// A concurrent dispatcher won the whole scan; rescan.
			continue
		}

		batch := d.processBatch(ctx, runID, queue, results, claimed)
		staged := d.applyResults(ctx, batch, summary)
		retry = append(retry, d.persistBatch(ctx, logger, staged, summary)...)

		summary.Batches++
		metrics.ObserveBatch(len(claimed))
		d.emit(progress.BatchCompleted(*summary, d.clock.Now()))
		logger.Debug("batch complete",
			zap.Int("batch", summary.Batches),
			zap.Int("claimed", len(claimed)),
			zap.Int("staged", len(staged)))
	}
}

// processBatch enqueues the claimed items and collects exactly as many
// results as were enqueued. On cancellation it returns the results gathered
// so far; workers drain the rest into the void as they shut down.
func (d *Dispatcher) processBatch(
	ctx context.Context,
	runID string,
	queue harvest.Queue,
	results <-chan harvest.ItemResult,
	claimed []harvest.WorkItem,
) []harvest.ItemResult {
	enqueued := 0
	for _, item := range claimed {
		qi := harvest.QueueItem{
			RunID:    runID,
			Item:     item,
			Attempt:  1,
			Enqueued: d.clock.Now().UnixMilli(),
		}
		if err := queue.Enqueue(ctx, qi); err != nil {
			d.logger.Warn("enqueue failed", zap.String("id", item.ID), zap.Error(err))
			continue
		}
		enqueued++
	}

	out := make([]harvest.ItemResult, 0, enqueued)
	for i := 0; i < enqueued; i++ {
		select {
		case res := <-results:
			out = append(out, res)
		case <-ctx.Done():
			return out
		}
	}
	return out
}

// applyResults updates counters and retires items per outcome, returning
// the records staged for persistence. Failed items retire only when the
// failure is terminal; target-level conditions (anti-bot, open breaker)
// and store failures leave the item claimed for ReleaseStale to recover.
func (d *Dispatcher) applyResults(ctx context.Context, batch []harvest.ItemResult, summary *harvest.RunSummary) []harvest.ListingRecord {
	var staged []harvest.ListingRecord
	for _, res := range batch {
		summary.Processed++
		switch res.Outcome {
		case harvest.OutcomeStaged:
			if res.Record != nil {
				staged = append(staged, *res.Record)
			}
		case harvest.OutcomeSkipped:
			summary.Skipped++
			d.markProcessed(ctx, res.Item.ID)
		case harvest.OutcomeFailed:
			summary.Failed++
			if harvest.Terminal(res.Kind) {
				d.markProcessed(ctx, res.Item.ID)
			}
		}
	}
	return staged
}

// persistBatch writes staged records. Anything short of a full save sends
// the whole batch to the retry list: writes are idempotent upserts, so
// re-saving an already-persisted record at the final retry is harmless and
// the unsaved remainder is never dropped.
func (d *Dispatcher) persistBatch(ctx context.Context, logger *zap.Logger, staged []harvest.ListingRecord, summary *harvest.RunSummary) []harvest.ListingRecord {
	if len(staged) == 0 {
		return nil
	}
	saved, err := d.listings.PutBatch(ctx, staged)
	if err == nil && saved == len(staged) {
		summary.Saved += saved
		metrics.ObserveRecordsSaved(saved)
		d.markAll(ctx, staged)
		return nil
	}
	if err != nil {
		logger.Warn("batch persist failed, queued for final retry",
			zap.Int("records", len(staged)), zap.Error(err))
	} else {
		logger.Warn("partial persist, whole batch queued for final retry",
			zap.Int("saved", saved), zap.Int("expected", len(staged)))
	}
	summary.Retried += len(staged)
	return staged
}

// finalRetry attempts one more putBatch for records that failed earlier,
// budget permitting. Records unsaved after the retry are counted lost for
// this run; their items stay claimed and return to the backlog via
// ReleaseStale on a later run.
func (d *Dispatcher) finalRetry(ctx context.Context, logger *zap.Logger, retry []harvest.ListingRecord, start time.Time, summary *harvest.RunSummary) {
	if len(retry) == 0 {
		return
	}
	elapsed := d.clock.Now().Sub(start)
	if elapsed >= d.cfg.Budget-d.cfg.FinalRetryMargin {
		summary.Lost += len(retry)
		metrics.ObserveRecordsLost(len(retry))
		logger.Error("no budget left for persistence retry",
			zap.Int("records", len(retry)), zap.Duration("elapsed", elapsed))
		return
	}
	saved, err := d.listings.PutBatch(ctx, retry)
	if err != nil {
		summary.Lost += len(retry)
		metrics.ObserveRecordsLost(len(retry))
		logger.Error("final persistence retry failed",
			zap.Int("records", len(retry)), zap.Error(err))
		return
	}
	summary.Saved += saved
	metrics.ObserveRecordsSaved(saved)
	if saved == len(retry) {
		d.markAll(ctx, retry)
		logger.Info("final retry saved all pending records", zap.Int("records", saved))
		return
	}
	lost := len(retry) - saved
	summary.Lost += lost
	metrics.ObserveRecordsLost(lost)
	logger.Error("final retry saved a subset, rest stays claimed for a later run",
		zap.Int("saved", saved), zap.Int("lost", lost))
}

// releaseStale returns long-claimed items to the backlog. A sweep failure
// is logged, not fatal: it only delays recovery of abandoned claims.
func (d *Dispatcher) releaseStale(ctx context.Context, logger *zap.Logger) {
	if d.cfg.ClaimTTL <= 0 {
		return
	}
	released, err := d.claims.ReleaseStale(ctx, d.cfg.ClaimTTL)
	if err != nil {
		logger.Warn("stale claim sweep failed", zap.Error(err))
		return
	}
	if released > 0 {
		logger.Info("released stale claims", zap.Int("released", released))
	}
}

func (d *Dispatcher) markAll(ctx context.Context, records []harvest.ListingRecord) {
	for _, rec := range records {
		d.markProcessed(ctx, rec.ID)
	}
}

func (d *Dispatcher) markProcessed(ctx context.Context, id string) {
	if err := d.claims.MarkProcessed(ctx, id); err != nil {
		d.logger.Warn("mark processed failed", zap.String("id", id), zap.Error(err))
	}
}

func (d *Dispatcher) emit(evt progress.Event) {
	if d.progress != nil {
		d.progress.Emit(evt)
	}
}

// emitSummary pushes the final run totals through the fire-and-forget sink.
func (d *Dispatcher) emitSummary(s harvest.RunSummary) {
	if d.sink == nil {
		return
	}
	d.sink.Emit("run_items_claimed_total", float64(s.Claimed))
	d.sink.Emit("run_items_failed_total", float64(s.Failed))
	d.sink.Emit("run_items_skipped_total", float64(s.Skipped))
	d.sink.Emit("run_records_lost_total", float64(s.Lost))
	d.sink.Emit("run_backlog_scanned", float64(s.Scanned))
	d.sink.Emit("run_duration_seconds", s.Duration().Seconds())
}
