package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broadcast_http_request_duration_seconds",
			Help:    "Histogram of response durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// SchedulerRuns counts scheduler invocations by outcome: idle, dispatched, finalized, error.
	SchedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_scheduler_runs_total",
			Help: "Scheduler runs by outcome",
		},
		[]string{"outcome"},
	)

	StuckJobsReset = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_stuck_jobs_reset_total",
			Help: "Jobs moved from PROCESSING back to QUEUED after timing out",
		},
	)

	BatchesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_batches_published_total",
			Help: "Broker messages published by the scheduler",
		},
	)

	ContactsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_contacts_dispatched_total",
			Help: "Contacts handed to the broker",
		},
	)

	SchedulerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_scheduler_run_duration_seconds",
			Help:    "Duration of scheduler runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_processed_total",
			Help: "Webhook events marked processed, by result",
		},
		[]string{"result"},
	)

	WebhookProcessorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_processor_failures_total",
			Help: "Webhook processor failures by processor",
		},
		[]string{"processor"},
	)

	ContactsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_worker_contacts_total",
			Help: "Contacts attempted by delivery workers, by result",
		},
		[]string{"result"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"action"},
	)
)

var initOnce sync.Once

// Init registers every collector on the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestCount, RequestDuration,
			SchedulerRuns, StuckJobsReset, BatchesPublished, ContactsDispatched, SchedulerRunDuration,
			WebhookEvents, WebhookProcessorFailures,
			ContactsDelivered, RateLimited,
		)
	})
}
