// Package metrics exposes Prometheus collectors for the scraper.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperFetchAttemptsTotal   *prometheus.CounterVec
	scraperFetchRetriesTotal    prometheus.Counter
	scraperFetchDurationSeconds prometheus.Histogram
	scraperThrottleDelaySeconds prometheus.Histogram
	scraperItemsTotal           *prometheus.CounterVec
	scraperRunsTotal            *prometheus.CounterVec
	scraperActiveWorkers        prometheus.Gauge
	scraperBackfillCursor       *prometheus.GaugeVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperFetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_attempts_total",
				Help: "Total number of HTTP fetch attempts, labeled by result class.",
			},
			[]string{"result"},
		)

		scraperFetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_fetch_retries_total",
				Help: "Total number of retries scheduled by the fetch policy.",
			},
		)

		scraperFetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Histogram of single fetch attempt latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		scraperThrottleDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_throttle_delay_seconds",
				Help:    "Histogram of per-worker throttle waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5},
			},
		)

		scraperItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_items_total",
				Help: "Total number of work items processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		scraperRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_runs_total",
				Help: "Total number of finalized scrape runs, labeled by type and status.",
			},
			[]string{"run_type", "status"},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of work items currently admitted by the scheduler.",
			},
		)

		scraperBackfillCursor = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_backfill_cursor_timestamp_seconds",
				Help: "Last completed backfill day as a unix timestamp, labeled by source.",
			},
			[]string{"source"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt records one transport attempt and its latency.
func ObserveFetchAttempt(result string, duration time.Duration) {
	Init()
	scraperFetchAttemptsTotal.WithLabelValues(result).Inc()
	scraperFetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter.
func ObserveRetry() {
	Init()
	scraperFetchRetriesTotal.Inc()
}

// ObserveThrottleDelay records how long a worker waited on its throttle.
func ObserveThrottleDelay(duration time.Duration) {
	Init()
	scraperThrottleDelaySeconds.Observe(duration.Seconds())
}

// ObserveItem increments the per-item outcome counter.
func ObserveItem(source, outcome string) {
	Init()
	scraperItemsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveRun increments the finalized run counter.
func ObserveRun(runType, status string) {
	Init()
	scraperRunsTotal.WithLabelValues(runType, status).Inc()
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

// SetBackfillCursor publishes the last completed backfill day.
func SetBackfillCursor(source string, day time.Time) {
	Init()
	scraperBackfillCursor.WithLabelValues(source).Set(float64(day.Unix()))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
