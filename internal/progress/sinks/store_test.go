package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/progress"
	"github.com/jpns3334444/scraper-sub000/internal/store"
)

// TestStoreSinkPersistsRunLifecycle ensures start, counters, and completion
// reach the repository, with intermediate snapshots superseded by the final
// summary in the same batch.
func TestStoreSinkPersistsRunLifecycle(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := uuid.NewString()
	now := time.Now()

	final := harvest.RunSummary{
		RunID:      runID,
		StartedAt:  now,
		FinishedAt: now.Add(3 * time.Second),
		Batches:    2,
		Scanned:    40,
		Claimed:    38,
		Processed:  38,
		Saved:      30,
		Failed:     4,
		Skipped:    4,
	}

	batch := []progress.Event{
		progress.RunStarted(runID, now),
		progress.BatchCompleted(harvest.RunSummary{RunID: runID, Batches: 1, Scanned: 20}, now.Add(time.Second)),
		progress.BatchCompleted(harvest.RunSummary{RunID: runID, Batches: 2, Scanned: 40}, now.Add(2*time.Second)),
		progress.RunCompleted(final),
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{runID}, repo.starts)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunSuccess, repo.completes[0].status)
	require.Nil(t, repo.completes[0].errMsg)

	// The final summary supersedes the batch snapshots.
	require.Len(t, repo.updates, 1)
	require.Equal(t, 30, repo.updates[0].counters.Saved)
	require.Equal(t, 2, repo.updates[0].counters.Batches)
}

// TestStoreSinkCollapsesSnapshots keeps only the newest counter snapshot per
// run when no completion arrives in the batch.
func TestStoreSinkCollapsesSnapshots(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := uuid.NewString()
	now := time.Now()

	batch := []progress.Event{
		progress.BatchCompleted(harvest.RunSummary{RunID: runID, Batches: 1, Claimed: 16}, now),
		progress.BatchCompleted(harvest.RunSummary{RunID: runID, Batches: 2, Claimed: 32}, now.Add(time.Second)),
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Empty(t, repo.starts)
	require.Len(t, repo.updates, 1)
	require.Equal(t, 32, repo.updates[0].counters.Claimed)
}

// TestStoreSinkRecordsFailedRuns persists the error status and message.
func TestStoreSinkRecordsFailedRuns(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := uuid.NewString()
	now := time.Now()

	summary := harvest.RunSummary{
		RunID:      runID,
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
		Batches:    1,
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		progress.RunFailed(summary, assertErr("claim batch: connection refused")),
	}))

	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunError, repo.completes[0].status)
	require.NotNil(t, repo.completes[0].errMsg)
	require.Equal(t, "claim batch: connection refused", *repo.completes[0].errMsg)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		progress.RunStarted(uuid.NewString(), time.Now()),
	})
	require.Error(t, err)
}

type fakeRunRepo struct {
	fail      bool
	starts    []string
	updates   []counterCall
	completes []completeCall
}

type counterCall struct {
	runID    string
	counters store.RunCounters
	at       time.Time
}

type completeCall struct {
	runID  string
	status store.RunStatus
	errMsg *string
}

func (f *fakeRunRepo) StartRun(_ context.Context, runID string, _ time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.starts = append(f.starts, runID)
	return nil
}

func (f *fakeRunRepo) UpdateCounters(
	_ context.Context,
	runID string,
	counters store.RunCounters,
	at time.Time,
) error {
	if f.fail {
		return assertErr("counters")
	}
	f.updates = append(f.updates, counterCall{runID: runID, counters: counters, at: at})
	return nil
}

func (f *fakeRunRepo) CompleteRun(
	_ context.Context,
	runID string,
	_ time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if f.fail {
		return assertErr("complete")
	}
	f.completes = append(f.completes, completeCall{runID: runID, status: status, errMsg: errMsg})
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, string) (store.Run, error) {
	return store.Run{}, assertErr("read")
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
