package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Batch engine metrics.
var (
	MessagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_messages_enqueued_total",
		Help: "Inbound messages accepted into a pending batch.",
	})
	MessagesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_messages_deduped_total",
		Help: "Inbound messages rejected as duplicate request ids.",
	})
	BatchesPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_batches_promoted_total",
		Help: "Pending batches promoted to active processing.",
	})
	BatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_batches_completed_total",
		Help: "Active batches that finished successfully.",
	})
	BatchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_batches_failed_total",
		Help: "Active batches that failed terminally after the retry ceiling.",
	})
	BatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_batch_retries_total",
		Help: "Failed executions scheduled for a backoff retry.",
	})
	StuckReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_stuck_batches_reclaimed_total",
		Help: "Processing batches reclaimed after heartbeat expiry.",
	})
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convoy_batch_duration_seconds",
		Help:    "Wall time of one unit-of-work execution.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// Plan executor metrics.
var (
	PlanSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_plan_steps_total",
		Help: "Plan steps by terminal state.",
	}, []string{"state"})
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "convoy_plan_step_duration_seconds",
		Help:    "Wall time of one plan step dispatch.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"worker_type"})
	PlanFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_plan_fallbacks_total",
		Help: "Plans replaced by the single-step fallback after parse or validation failure.",
	})
)
