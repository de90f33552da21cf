package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/progress"
	"github.com/jpns3334444/scraper-sub000/internal/store"
)

// StoreSink persists run lifecycle and counters via a store.RunRepository.
// Batch snapshots within one Consume call collapse to the newest per run to
// reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run events to the repository in order and writes the
// newest counter snapshot per run afterwards. It respects ctx deadlines and
// returns repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	snapshots := make(map[string]counterSnapshot)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageBatchDone:
			recordSnapshot(snapshots, evt)
		case progress.StageRunDone, progress.StageRunError:
			if err := s.completeRun(ctx, evt); err != nil {
				return err
			}
			// Final counters were just written; drop stale snapshots.
			delete(snapshots, evt.RunID)
		}
	}

	for runID, snap := range snapshots {
		if err := s.repo.UpdateCounters(ctx, runID, snap.counters, snap.at); err != nil {
			return fmt.Errorf("update run counters: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) completeRun(ctx context.Context, evt progress.Event) error {
	if evt.Summary != nil {
		counters := countersFrom(*evt.Summary)
		if err := s.repo.UpdateCounters(ctx, evt.RunID, counters, evt.TS); err != nil {
			return fmt.Errorf("update run counters: %w", err)
		}
	}
	status := store.RunSuccess
	var note *string
	if evt.Stage == progress.StageRunError {
		status = store.RunError
		if evt.Note != "" {
			note = &evt.Note
		}
	}
	if err := s.repo.CompleteRun(ctx, evt.RunID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func recordSnapshot(snapshots map[string]counterSnapshot, evt progress.Event) {
	if evt.Summary == nil {
		return
	}
	prev, ok := snapshots[evt.RunID]
	if ok && prev.at.After(evt.TS) {
		return
	}
	snapshots[evt.RunID] = counterSnapshot{
		counters: countersFrom(*evt.Summary),
		at:       evt.TS,
	}
}

func countersFrom(summary harvest.RunSummary) store.RunCounters {
	return store.RunCounters{
		Batches:   summary.Batches,
		Scanned:   summary.Scanned,
		Claimed:   summary.Claimed,
		Processed: summary.Processed,
		Saved:     summary.Saved,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
		Retried:   summary.Retried,
		Lost:      summary.Lost,
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type counterSnapshot struct {
	counters store.RunCounters
	at       time.Time
}
