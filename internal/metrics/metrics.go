package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Results
	ResultSuccess = "success"
	ResultFailure = "failure"

	// HTTP endpoints
	EndpointBackfill = "cron_backfill"
	EndpointWeekly   = "cron_weekly"
	EndpointHealth   = "health"

	// Pipeline terminal states
	StateDone   = "done"
	StateFailed = "failed"

	// Collaborators
	CollaboratorBilling = "billing"
	CollaboratorNotify  = "notify"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Backfill Metrics
var (
	BackfillDaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backfill_days_total",
			Help: "Total number of days processed by backfill runs",
		},
	)

	SegmentComputationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_computations_total",
			Help: "Total number of per-day segment computations by result",
		},
		[]string{"segment", "result"},
	)

	SegmentComputationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segment_computation_duration_seconds",
			Help:    "Time spent computing one day of one segment",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"segment"},
	)

	SnapshotUpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_upserts_total",
			Help: "Total number of snapshot rows upserted",
		},
		[]string{"table"},
	)
)

// Pipeline Metrics
var (
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of period metric pipeline runs by terminal state",
		},
		[]string{"state"},
	)

	PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "End-to-end duration of period metric pipeline runs",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)
)

// Collaborator Metrics
var (
	CollaboratorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collaborator_requests_total",
			Help: "Total number of requests to external collaborators",
		},
		[]string{"collaborator", "result"},
	)

	CollaboratorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collaborator_request_duration_seconds",
			Help:    "External collaborator request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"collaborator"},
	)
)
