// Package metrics exposes Prometheus instrumentation for the orchestrator:
// proof job throughput, edge lifecycle progress and accumulator health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProofRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_proof_requests_total",
			Help: "Total number of proof jobs submitted to the queue",
		},
	)

	ProofGenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_proof_generation_duration_seconds",
			Help:    "Duration of proof generation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
	)

	ProofGenerationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_proof_generation_errors_total",
			Help: "Total number of proof generation errors by reason class",
		},
		[]string{"reason"},
	)

	QueueWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_queue_wait_time_seconds",
			Help:    "Time jobs spend queued before proving starts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Number of jobs waiting for a proving slot",
		},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_active_jobs",
			Help: "Number of proof jobs currently proving",
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_jobs_processed_total",
			Help: "Total number of jobs finished, by terminal status",
		},
		[]string{"status"},
	)

	EdgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_edges_total",
			Help: "Transfer edges reaching each lifecycle state",
		},
		[]string{"state"},
	)

	EdgeConfirmationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_edge_confirmation_duration_seconds",
			Help:    "Time from edge readiness to ledger confirmation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
	)

	RootMismatchTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_root_mismatch_total",
			Help: "Confirmed transfers whose ledger root diverged from the local shadow root",
		},
	)
)

// ObserveJobTerminal records one job reaching a terminal state.
func ObserveJobTerminal(success bool, duration time.Duration, reason string) {
	if success {
		JobsProcessed.WithLabelValues("success").Inc()
		ProofGenerationDuration.Observe(duration.Seconds())
		return
	}
	JobsProcessed.WithLabelValues("error").Inc()
	ProofGenerationErrors.WithLabelValues(reasonClass(reason)).Inc()
}

// reasonClass strips the detail from a failure reason, keeping label
// cardinality bounded.
func reasonClass(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ':' {
			return reason[:i]
		}
	}
	return reason
}
