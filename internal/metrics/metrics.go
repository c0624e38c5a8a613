// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal            *prometheus.CounterVec
	fetchRequestsTotal    *prometheus.CounterVec
	fetchRetriesTotal     prometheus.Counter
	abuseSignalsTotal     *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	reloginsTotal         *prometheus.CounterVec
	spoolSegments         prometheus.Gauge
	spooledRecordsTotal   prometheus.Counter
	sinkUpsertsTotal      *prometheus.CounterVec
	taskDurationSeconds   prometheus.Histogram

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digicrawl_tasks_total",
				Help: "Tasks completed, labeled by terminal outcome.",
			},
			[]string{"outcome"},
		)
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digicrawl_fetch_requests_total",
				Help: "HTTP fetch attempts, labeled by status class.",
			},
			[]string{"status"},
		)
		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digicrawl_fetch_retries_total",
				Help: "Fetch attempts that were retried after a transient failure.",
			},
		)
		abuseSignalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digicrawl_abuse_signals_total",
				Help: "403/429 responses counted toward abuse stop thresholds.",
			},
			[]string{"code"},
		)
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "digicrawl_rate_limit_delay_seconds",
				Help:    "Delay introduced by the per-host token bucket.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)
		reloginsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digicrawl_session_relogins_total",
				Help: "Relogin attempts, labeled by result.",
			},
			[]string{"result"},
		)
		spoolSegments = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "digicrawl_spool_segments",
				Help: "Spool segment files waiting to be drained.",
			},
		)
		spooledRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digicrawl_spooled_records_total",
				Help: "Records diverted to the local spool after a destination failure.",
			},
		)
		sinkUpsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digicrawl_sink_upserts_total",
				Help: "Destination upserts, labeled by result.",
			},
			[]string{"result"},
		)
		taskDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "digicrawl_task_duration_seconds",
				Help:    "End-to-end duration of one task.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		)
	})
}

// IncTask records a completed task by outcome.
func IncTask(outcome string) {
	if tasksTotal != nil {
		tasksTotal.WithLabelValues(outcome).Inc()
	}
}

// IncFetch records one fetch attempt by status class ("2xx", "4xx", ...).
func IncFetch(statusClass string) {
	if fetchRequestsTotal != nil {
		fetchRequestsTotal.WithLabelValues(statusClass).Inc()
	}
}

// IncRetry records a retried fetch attempt.
func IncRetry() {
	if fetchRetriesTotal != nil {
		fetchRetriesTotal.Inc()
	}
}

// IncAbuseSignal records a 403 or 429 response.
func IncAbuseSignal(code string) {
	if abuseSignalsTotal != nil {
		abuseSignalsTotal.WithLabelValues(code).Inc()
	}
}

// ObserveRateLimitDelay records time spent waiting on the token bucket.
func ObserveRateLimitDelay(host string, d time.Duration) {
	if rateLimitDelaySeconds != nil {
		rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
	}
}

// IncRelogin records a relogin attempt ("ok" or "failed").
func IncRelogin(result string) {
	if reloginsTotal != nil {
		reloginsTotal.WithLabelValues(result).Inc()
	}
}

// SetSpoolSegments updates the spool backlog gauge.
func SetSpoolSegments(n int) {
	if spoolSegments != nil {
		spoolSegments.Set(float64(n))
	}
}

// AddSpooledRecords counts records diverted to the spool.
func AddSpooledRecords(n int) {
	if spooledRecordsTotal != nil {
		spooledRecordsTotal.Add(float64(n))
	}
}

// IncSinkUpsert records a destination upsert ("ok" or "failed").
func IncSinkUpsert(result string) {
	if sinkUpsertsTotal != nil {
		sinkUpsertsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveTaskDuration records one task's end-to-end latency.
func ObserveTaskDuration(d time.Duration) {
	if taskDurationSeconds != nil {
		taskDurationSeconds.Observe(d.Seconds())
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass groups an HTTP status code ("2xx".."5xx", "other").
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
