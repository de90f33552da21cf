// Package store declares interfaces for persisting crawl run state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the runs status column.
type RunStatus string

// Run statuses persisted in runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunCounters mirror the aggregate columns of the runs table. They are
// cumulative for the run, not deltas.
type RunCounters struct {
	Batches   int `json:"batches"`
	Scanned   int `json:"scanned"`
	Claimed   int `json:"claimed"`
	Processed int `json:"processed"`
	Saved     int `json:"saved"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Retried   int `json:"retried"`
	Lost      int `json:"lost"`
}

// Run models one dispatcher run for API responses.
type Run struct {
	// ID is the UUIDv7 run identifier generated at dispatch start.
	ID string `json:"id"`
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run completes.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Status is running/success/error.
	Status RunStatus `json:"status"`
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string `json:"error_message,omitempty"`
	// Counters hold the run's cumulative progress aggregates.
	Counters RunCounters `json:"counters"`
}

// RunRepository persists run lifecycle and progress counters.
type RunRepository interface {
	// StartRun inserts (or idempotently refreshes) a running row.
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	// UpdateCounters overwrites the run's cumulative counters.
	UpdateCounters(ctx context.Context, runID string, counters RunCounters, at time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID string, finishedAt time.Time, status RunStatus, errMsg *string) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID string) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset,
	// newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
