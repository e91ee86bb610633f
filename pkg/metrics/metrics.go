package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PermissionChecks counts permission evaluations and their outcome (allowed|denied|error).
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataregistry_permission_checks_total",
			Help: "Total number of permission checks",
		},
		[]string{"permission", "result"},
	)

	// Admissions records upload admission attempts by result (accepted|validation_failed|denied|error).
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataregistry_admissions_total",
			Help: "Total number of upload admission attempts",
		},
		[]string{"result"},
	)

	// JobSubmissions counts remote job submissions by kind and result (ok|conflict|error).
	JobSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataregistry_job_submissions_total",
			Help: "Total number of remote job submissions",
		},
		[]string{"kind", "result"},
	)

	// JobOutcomes counts reconciled terminal job outcomes by kind (succeeded|failed|timed_out).
	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataregistry_job_outcomes_total",
			Help: "Total number of terminal job outcomes observed by the reconciler",
		},
		[]string{"kind", "outcome"},
	)

	// JobsInFlight tracks jobs that have been submitted but not reconciled to a
	// terminal outcome.
	JobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dataregistry_jobs_in_flight",
			Help: "Number of non-terminal remote jobs",
		},
		[]string{"kind"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataregistry_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
