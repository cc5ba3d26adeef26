package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmittedTotal counts accepted submissions per task type.
	TasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docjobs_tasks_submitted_total",
			Help: "Total number of submitted tasks.",
		},
		[]string{"type"},
	)

	// TasksDeduplicatedTotal counts submissions answered from the idempotency store.
	TasksDeduplicatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docjobs_tasks_deduplicated_total",
			Help: "Total number of submissions that matched an existing idempotency key.",
		},
		[]string{"type"},
	)

	// TasksCompletedTotal counts terminal transitions.
	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docjobs_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state.",
		},
		[]string{"queue", "type", "status"},
	)

	// TaskRetriesTotal counts re-enqueued attempts.
	TaskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docjobs_task_retries_total",
			Help: "Total number of task attempts scheduled for retry.",
		},
		[]string{"queue", "type", "kind"},
	)

	// TaskDurationSeconds is a histogram of attempt durations.
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docjobs_task_duration_seconds",
			Help:    "Duration of task attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"queue"},
	)

	// QueueRunning is the number of running tasks per queue.
	QueueRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docjobs_queue_running",
			Help: "Number of tasks currently running.",
		},
		[]string{"queue"},
	)

	// QueuePending is the number of pending tasks per queue.
	QueuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docjobs_queue_pending",
			Help: "Number of tasks waiting for admission.",
		},
		[]string{"queue"},
	)

	// QueueConcurrencyLimit is the configured concurrency limit per queue.
	QueueConcurrencyLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docjobs_queue_concurrency_limit",
			Help: "Configured maximum number of running tasks.",
		},
		[]string{"queue"},
	)

	// WebhookDeliveriesTotal counts webhook delivery outcomes.
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docjobs_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	// WebhookDeliveryDurationSeconds is a histogram of single delivery requests.
	WebhookDeliveryDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docjobs_webhook_delivery_duration_seconds",
			Help:    "Duration of webhook HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SchedulerTriggersTotal counts scheduled job enqueues.
	SchedulerTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docjobs_scheduler_triggers_total",
			Help: "Total number of scheduled job triggers.",
		},
		[]string{"job"},
	)

	// APIRequestDurationSeconds is a histogram for the duration of API requests.
	APIRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docjobs_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
