package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/progress"
)

// LogSink mirrors the progress stream into structured logs. It is useful
// during development or when auditing a run without a metrics backend.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.ListingID != "" {
			fields = append(fields,
				zap.String("listing_id", evt.ListingID),
				zap.String("url", evt.URL),
				zap.String("outcome", string(evt.Outcome)),
			)
		}
		if evt.Reason != "" && evt.Reason != harvest.FailureNone {
			fields = append(fields, zap.String("reason", string(evt.Reason)))
		}
		if evt.Change.Meaningful() {
			fields = append(fields,
				zap.Bool("first_seen", evt.Change.First),
				zap.Int64("price_delta", evt.Change.Delta),
			)
		}
		if evt.Summary != nil {
			fields = append(fields,
				zap.Int("batches", evt.Summary.Batches),
				zap.Int("scanned", evt.Summary.Scanned),
				zap.Int("claimed", evt.Summary.Claimed),
				zap.Int("saved", evt.Summary.Saved),
				zap.Int("failed", evt.Summary.Failed),
				zap.Int("lost", evt.Summary.Lost),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("run progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
