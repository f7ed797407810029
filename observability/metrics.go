// Package observability exposes the Prometheus metrics shared across the
// reconciler. Metrics are registered at import time via promauto and
// served by the /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of jobs waiting in the queue, ready and
	// scheduled combined, per backend.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reconciler_queue_depth",
		Help: "Current number of jobs in the reconciliation queue",
	}, []string{"backend"})

	// JobsEnqueued tracks accepted enqueues by priority label.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_jobs_enqueued_total",
		Help: "Total number of jobs accepted by the queue",
	}, []string{"priority"})

	// EnqueueRejections tracks enqueues the queue refused.
	EnqueueRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_enqueue_rejections_total",
		Help: "Total number of enqueue attempts rejected by the queue",
	}, []string{"reason"}) // capacity, shutdown, unknown_priority

	// DequeueWaitSeconds tracks how long consumers block before a job
	// arrives. Long waits mean an idle pool; zero waits mean backlog.
	DequeueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciler_dequeue_wait_seconds",
		Help:    "Time consumers spend blocked waiting for a job",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})

	// RunsTotal tracks completed reconciliation runs by resulting status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_runs_total",
		Help: "Total number of reconciliation runs by resulting status",
	}, []string{"status"})

	// RunDurationSeconds tracks end-to-end run latency including the
	// platform fetch with its retries.
	RunDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciler_run_duration_seconds",
		Help:    "End-to-end duration of a reconciliation run",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// TrustDeltaApplied tracks the distribution of trust-score adjustments.
	TrustDeltaApplied = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciler_trust_delta",
		Help:    "Trust score deltas applied to affiliates",
		Buckets: []float64{-0.30, -0.15, -0.05, -0.02, 0, 0.01, 0.02},
	})

	// FetchAttempts tracks individual platform fetch attempts. The result
	// label is "success" or the terminal error code of the attempt.
	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_fetch_attempts_total",
		Help: "Platform fetch attempts by platform and result",
	}, []string{"platform", "result"})

	// BreakerState tracks the per-platform circuit state.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reconciler_breaker_state",
		Help: "Circuit breaker state per platform (0=closed, 1=half_open, 2=open)",
	}, []string{"platform"})

	// AlertsCreated tracks alerts raised by the alerting rules.
	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_alerts_created_total",
		Help: "Total number of alerts created",
	}, []string{"type", "severity"})

	// WorkersBusy tracks how many pool workers are executing a job.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_workers_busy",
		Help: "Number of workers currently executing a job",
	})

	// JobsProcessed tracks jobs the worker pool consumed by outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_jobs_processed_total",
		Help: "Total number of jobs processed by the worker pool",
	}, []string{"outcome"}) // ok, error, skipped

	// EventsDropped tracks events discarded because the stream buffer was
	// full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_events_dropped_total",
		Help: "Total number of events dropped from the broadcast buffer",
	})
)

// BreakerStateValue maps a circuit state name to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
