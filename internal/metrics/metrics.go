// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperFetchesTotal         *prometheus.CounterVec
	scraperBytesTotal           *prometheus.CounterVec
	scraperFetchDurationSeconds *prometheus.HistogramVec
	scraperItemsTotal           *prometheus.CounterVec
	scraperBatchesTotal         prometheus.Counter
	scraperRunsTotal            *prometheus.CounterVec
	scraperActiveWorkers        prometheus.Gauge
	scraperRateLimitWaitSeconds *prometheus.HistogramVec
	scraperBreakerState         prometheus.Gauge
	scraperBreakerTransitions   *prometheus.CounterVec
	scraperSessionCheckouts     *prometheus.CounterVec
	scraperSessionEvictions     prometheus.Counter
	scraperClaimedItemsTotal    prometheus.Counter
	scraperRecordsSavedTotal    prometheus.Counter
	scraperRecordsLostTotal     prometheus.Counter
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetches_total",
				Help: "Total number of page fetches, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)

		scraperBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		scraperFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by fetch mode.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		)

		scraperItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_items_total",
				Help: "Total number of processed work items, labeled by outcome and failure reason.",
			},
			[]string{"outcome", "reason"},
		)

		scraperBatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_batches_total",
				Help: "Total number of dispatched claim batches.",
			},
		)

		scraperRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_runs_total",
				Help: "Total number of dispatcher runs, labeled by final status.",
			},
			[]string{"status"},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		scraperRateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_wait_seconds",
				Help:    "Histogram of rate limiter wait durations, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		scraperBreakerState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			},
		)

		scraperBreakerTransitions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_breaker_transitions_total",
				Help: "Total circuit breaker state transitions, labeled by from and to state.",
			},
			[]string{"from", "to"},
		)

		scraperSessionCheckouts = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_session_checkouts_total",
				Help: "Total session checkouts, labeled by kind (pooled or ephemeral).",
			},
			[]string{"kind"},
		)

		scraperSessionEvictions = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_session_evictions_total",
				Help: "Total sessions evicted from the pool for exceeding max age.",
			},
		)

		scraperClaimedItemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_claimed_items_total",
				Help: "Total backlog items claimed by this instance.",
			},
		)

		scraperRecordsSavedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_records_saved_total",
				Help: "Total listing records confirmed saved by the listing store.",
			},
		)

		scraperRecordsLostTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_records_lost_total",
				Help: "Total listing records dropped after the final persistence retry failed.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass buckets an HTTP status code into "2xx".."5xx", or "error" for
// requests that never produced a status.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one page fetch.
func ObserveFetch(site, mode string, statusCode, bytesFetched int, duration time.Duration) {
	Init()
	sanitized := SanitizeSite(site)
	scraperFetchesTotal.WithLabelValues(sanitized, StatusClass(statusCode)).Inc()
	if bytesFetched > 0 {
		scraperBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
	scraperFetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveItem records the terminal outcome of one work item. Reason is the
// failure kind, or "none" for successful and skipped items.
func ObserveItem(outcome, reason string) {
	Init()
	if reason == "" {
		reason = "none"
	}
	scraperItemsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveBatch increments the dispatched-batch counter.
func ObserveBatch(claimed int) {
	Init()
	scraperBatchesTotal.Inc()
	if claimed > 0 {
		scraperClaimedItemsTotal.Add(float64(claimed))
	}
}

// ObserveRun increments the run counter for the given final status.
func ObserveRun(status string) {
	Init()
	scraperRunsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	scraperActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	scraperActiveWorkers.Dec()
}

// ObserveRateLimitWait records the duration of a rate limiter wait.
func ObserveRateLimitWait(host string, duration time.Duration) {
	Init()
	scraperRateLimitWaitSeconds.WithLabelValues(SanitizeSite(host)).Observe(duration.Seconds())
}

// ObserveBreakerTransition records a breaker state change and updates the
// state gauge. State values: 0 closed, 1 half-open, 2 open.
func ObserveBreakerTransition(from, to string, state float64) {
	Init()
	scraperBreakerTransitions.WithLabelValues(from, to).Inc()
	scraperBreakerState.Set(state)
}

// ObserveSessionCheckout records one session checkout by kind.
func ObserveSessionCheckout(kind string) {
	Init()
	scraperSessionCheckouts.WithLabelValues(kind).Inc()
}

// ObserveSessionEviction records one max-age session eviction.
func ObserveSessionEviction() {
	Init()
	scraperSessionEvictions.Inc()
}

// ObserveRecordsSaved adds confirmed-saved records to the counter.
func ObserveRecordsSaved(n int) {
	Init()
	if n > 0 {
		scraperRecordsSavedTotal.Add(float64(n))
	}
}

// ObserveRecordsLost adds permanently lost records to the counter.
func ObserveRecordsLost(n int) {
	Init()
	if n > 0 {
		scraperRecordsLostTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
