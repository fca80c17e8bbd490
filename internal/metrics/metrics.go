// Package metrics exposes Prometheus collectors for the creation queue, the
// worker pool, reconciliation, the rate-governed executor, and the admin API.
//
// Label cardinality is kept bounded: request types, outcomes, and action
// names are closed sets; guild and user ids are never used as labels.
// Collectors are registered with the default registry on init and are served
// by the admin API's /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsEnqueued counts newly persisted creation requests by type.
	RequestsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcqueue_requests_enqueued_total",
			Help: "Creation requests persisted (deduplicated enqueues excluded).",
		},
		[]string{"type"},
	)

	// RequestsFinished counts transitions into a terminal or retry state.
	RequestsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcqueue_requests_finished_total",
			Help: "Creation request outcomes by resulting status.",
		},
		[]string{"status"},
	)

	// RequestsInFlight gauges requests currently being processed by the worker.
	RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vcqueue_requests_inflight",
			Help: "Creation requests currently dispatched by the worker pool.",
		},
	)

	// ProcessingDuration records time from dispatch to outcome.
	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vcqueue_processing_duration_seconds",
			Help:    "Duration of a single creation attempt in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// RateLimitPauses counts global worker pauses caused by platform 429s.
	RateLimitPauses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcqueue_rate_limit_pauses_total",
			Help: "Times the worker pool paused because of a platform rate limit.",
		},
	)

	// ReconcileActions counts per-channel reconciliation decisions.
	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcqueue_reconcile_actions_total",
			Help: "Reconciliation decisions by action.",
		},
		[]string{"action"},
	)

	// ExecutorTasks counts rate-governed executor task outcomes.
	ExecutorTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcqueue_executor_tasks_total",
			Help: "Executor tasks by outcome (ok|error).",
		},
		[]string{"outcome"},
	)

	// PostCreateTasks counts best-effort post-creation job outcomes.
	PostCreateTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcqueue_post_create_tasks_total",
			Help: "Post-creation tasks by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// HTTPRequests counts admin API requests by method, route template and
	// status code.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcqueue_http_requests_total",
			Help: "Admin API requests.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration records admin API latency. Status is left out to keep the
	// histogram small.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vcqueue_http_request_duration_seconds",
			Help:    "Admin API request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	// HTTPInFlight gauges admin API requests being served.
	HTTPInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vcqueue_http_requests_inflight",
			Help: "Admin API requests currently being served.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsEnqueued,
		RequestsFinished,
		RequestsInFlight,
		ProcessingDuration,
		RateLimitPauses,
		ReconcileActions,
		ExecutorTasks,
		PostCreateTasks,
		HTTPRequests,
		HTTPDuration,
		HTTPInFlight,
	)
}
