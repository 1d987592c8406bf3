// Package metrics defines the Prometheus collectors for ingestion, scheduling
// and the read API, and exposes the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FetchAttempts counts every upstream HTTP attempt, retries included.
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_fetch_attempts_total",
			Help: "Upstream HTTP attempts by upstream host and outcome.",
		},
		[]string{"upstream", "outcome"},
	)

	FetchBackoffSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_fetch_backoff_seconds_total",
			Help: "Total time spent sleeping between upstream retries.",
		},
		[]string{"upstream", "reason"},
	)

	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_scheduler_runs_total",
			Help: "Scheduler step runs by job, step, trigger and error kind.",
		},
		[]string{"job", "step", "trigger", "kind"},
	)

	SchedulerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_scheduler_run_duration_seconds",
			Help:    "Duration of one guarded scheduler run.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"job"},
	)

	StoredRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_stored_records_total",
			Help: "Rows written by coordinators, by table.",
		},
		[]string{"table"},
	)

	GateDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_rate_limited_total",
			Help: "Inbound requests rejected by the admission gate.",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_http_requests_total",
			Help: "Inbound HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	ReadCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_read_cache_lookups_total",
			Help: "Read cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
