package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpns3334444/scraper-sub000/internal/progress"
)

// PrometheusSink exports run-lifecycle metrics via Prometheus. It owns the
// collectors for runs started/active/duration plus observed price changes;
// the per-fetch and per-item operational counters live in the metrics
// package and are updated inline by the components themselves.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsActive   prometheus.Gauge
	runDuration  *prometheus.HistogramVec
	priceChanges *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_runs_started_total",
			Help: "Total dispatcher runs that have started.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_runs_active",
			Help: "Current number of in-flight dispatcher runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_run_duration_seconds",
			Help:    "Wall time per completed run partitioned by result.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 900, 1800},
		}, []string{"result"}),
		priceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_price_changes_total",
			Help: "Meaningful price observations partitioned by type.",
		}, []string{"type"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsActive,
		s.runDuration,
		s.priceChanges,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageItemDone:
		s.handleItemEvent(evt)
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone:
		s.observeDuration(evt, "success")
	case progress.StageRunError:
		s.observeDuration(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) observeDuration(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleItemEvent(evt progress.Event) {
	if !evt.Change.Meaningful() {
		return
	}
	switch {
	case evt.Change.First:
		s.priceChanges.WithLabelValues("first").Inc()
	case evt.Change.Delta < 0:
		s.priceChanges.WithLabelValues("drop").Inc()
	default:
		s.priceChanges.WithLabelValues("raise").Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
