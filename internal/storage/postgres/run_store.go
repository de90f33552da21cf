package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jpns3334444/scraper-sub000/internal/store"
)

// RunStore implements store.RunRepository on a runs table. It shares the
// application pool; closing the pool is the owner's job.
type RunStore struct {
	pool pgPool
}

// NewRunStore constructs a RunStore on an existing pool.
func NewRunStore(pool pgPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// StartRun inserts a running row, or refreshes its status if the run was
// already recorded.
func (s *RunStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	query := `
		INSERT INTO runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// UpdateCounters overwrites the run's cumulative counters.
func (s *RunStore) UpdateCounters(ctx context.Context, runID string, c store.RunCounters, at time.Time) error {
	query := `
		UPDATE runs
		SET batches = $1, scanned = $2, claimed = $3, processed = $4,
		    saved = $5, failed = $6, skipped = $7, retried = $8, lost = $9,
		    updated_at = $10
		WHERE id = $11;
	`
	_, err := s.pool.Exec(ctx, query,
		c.Batches, c.Scanned, c.Claimed, c.Processed,
		c.Saved, c.Failed, c.Skipped, c.Retried, c.Lost,
		at, runID,
	)
	if err != nil {
		return fmt.Errorf("update run counters: %w", err)
	}
	return nil
}

// CompleteRun marks the run finished with a status and optional error text.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message,
		       batches, scanned, claimed, processed, saved, failed, skipped, retried, lost
		FROM runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.Counters.Batches,
		&run.Counters.Scanned,
		&run.Counters.Claimed,
		&run.Counters.Processed,
		&run.Counters.Saved,
		&run.Counters.Failed,
		&run.Counters.Skipped,
		&run.Counters.Retried,
		&run.Counters.Lost,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message,
		       batches, scanned, claimed, processed, saved, failed, skipped, retried, lost
		FROM runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
			&run.Counters.Batches,
			&run.Counters.Scanned,
			&run.Counters.Claimed,
			&run.Counters.Processed,
			&run.Counters.Saved,
			&run.Counters.Failed,
			&run.Counters.Skipped,
			&run.Counters.Retried,
			&run.Counters.Lost,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}
