package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunDone   Stage = "RUN_DONE"
	StageRunError  Stage = "RUN_ERROR"
	StageBatchDone Stage = "BATCH_DONE"
	StageItemDone  Stage = "ITEM_DONE"
)

// Event captures a single milestone of a dispatcher run.
type Event struct {
	// RunID identifies the run the event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or item milestone occurred.
	Stage Stage
	// ListingID scopes item events to a single backlog entry.
	ListingID string
	// URL is the optional listing URL; it should not contain credentials.
	URL string
	// Outcome is the item's terminal state within the run.
	Outcome harvest.Outcome
	// Reason classifies item failures; empty for successful items.
	Reason harvest.FailureKind
	// Change carries the detector's decision for item events.
	Change harvest.PriceChange
	// Dur is the item's processing latency, or the run's wall time on
	// completion events.
	Dur time.Duration
	// Summary holds cumulative run counters for batch and completion events.
	Summary *harvest.RunSummary
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageBatchDone:
		if e.Summary == nil {
			return errors.New("batch event requires a summary")
		}
	case StageItemDone:
		if e.ListingID == "" {
			return errors.New("item event requires a listing id")
		}
		switch e.Outcome {
		case harvest.OutcomeStaged, harvest.OutcomeSkipped, harvest.OutcomeFailed:
		default:
			return fmt.Errorf("unknown outcome %q", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunStarted marks the beginning of a dispatcher run.
func RunStarted(runID string, at time.Time) Event {
	return Event{RunID: runID, TS: at, Stage: StageRunStart}
}

// BatchCompleted snapshots cumulative counters after one claim batch.
func BatchCompleted(summary harvest.RunSummary, at time.Time) Event {
	s := summary
	return Event{RunID: s.RunID, TS: at, Stage: StageBatchDone, Summary: &s}
}

// RunCompleted marks a successful run. The summary must carry its final
// FinishedAt timestamp.
func RunCompleted(summary harvest.RunSummary) Event {
	s := summary
	return Event{
		RunID:   s.RunID,
		TS:      s.FinishedAt,
		Stage:   StageRunDone,
		Dur:     s.Duration(),
		Summary: &s,
	}
}

// RunFailed marks a run that aborted before finishing its backlog.
func RunFailed(summary harvest.RunSummary, cause error) Event {
	evt := RunCompleted(summary)
	evt.Stage = StageRunError
	if cause != nil {
		evt.Note = cause.Error()
	}
	return evt
}

// ItemProcessed reports one worker result.
func ItemProcessed(runID string, res harvest.ItemResult, dur time.Duration, at time.Time) Event {
	evt := Event{
		RunID:     runID,
		TS:        at,
		Stage:     StageItemDone,
		ListingID: res.Item.ID,
		URL:       res.Item.URL,
		Outcome:   res.Outcome,
		Reason:    res.Kind,
		Change:    res.Change,
		Dur:       dur,
	}
	if res.Err != nil {
		evt.Note = res.Err.Error()
	}
	return evt
}
