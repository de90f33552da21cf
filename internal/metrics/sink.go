package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	runtimeCounters *prometheus.CounterVec
	runtimeValues   *prometheus.GaugeVec

	sinkOnce sync.Once
)

func initSink() {
	sinkOnce.Do(func() {
		runtimeCounters = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_runtime_counter",
				Help: "Free-form counters emitted through the metrics sink, labeled by name.",
			},
			[]string{"name"},
		)
		runtimeValues = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_runtime_value",
				Help: "Free-form gauge values emitted through the metrics sink, labeled by name.",
			},
			[]string{"name"},
		)
	})
}

// PromSink adapts the Prometheus collectors to harvest.MetricsSink for
// components that only know the domain interfaces. Names ending in _total
// are treated as counters, everything else as gauges. Emit never fails;
// unusable measurements are logged and dropped.
type PromSink struct {
	logger *zap.Logger
}

// NewPromSink creates a PromSink. A nil logger is replaced with a no-op.
func NewPromSink(logger *zap.Logger) *PromSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromSink{logger: logger}
}

// Emit records one measurement.
func (s *PromSink) Emit(name string, value float64) {
	initSink()
	if name == "" {
		s.logger.Debug("metrics sink dropped unnamed measurement", zap.Float64("value", value))
		return
	}
	if strings.HasSuffix(name, "_total") {
		if value < 0 {
			s.logger.Debug("metrics sink dropped negative counter increment",
				zap.String("name", name), zap.Float64("value", value))
			return
		}
		runtimeCounters.WithLabelValues(name).Add(value)
		return
	}
	runtimeValues.WithLabelValues(name).Set(value)
}
