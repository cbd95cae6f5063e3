package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthFailures counts rejected signed requests by failure code
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriflow_auth_failures_total",
		Help: "Total number of rejected signed requests",
	}, []string{"code"})

	// QuotaDecisions counts quota reservations by outcome
	QuotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriflow_quota_decisions_total",
		Help: "Total number of quota reservations by module and result",
	}, []string{"module", "result"})

	// Throttled counts requests rejected by the per-minute or per-day caps
	Throttled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriflow_throttled_total",
		Help: "Total number of requests rejected by rate caps",
	}, []string{"window"})

	// WebhookAttempts counts delivery attempts by event and result
	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriflow_webhook_attempts_total",
		Help: "Total number of webhook delivery attempts",
	}, []string{"event", "result"})

	// WebhookDuration tracks outbound webhook latency
	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "veriflow_webhook_attempt_duration_seconds",
		Help:    "Histogram of webhook delivery attempt duration",
		Buckets: prometheus.DefBuckets,
	})

	// JobsTotal counts jobs reaching a terminal state
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veriflow_jobs_total",
		Help: "Total number of verification jobs by terminal status",
	}, []string{"status"})

	// JobDuration tracks wall time from pickup to terminal state
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "veriflow_job_duration_seconds",
		Help:    "Histogram of verification job duration",
		Buckets: prometheus.DefBuckets,
	})

	// StepDuration tracks provider latency per pipeline step
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veriflow_step_duration_seconds",
		Help:    "Histogram of verification step duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	// QueueDepth tracks tasks waiting in each worker pool
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veriflow_task_queue_depth",
		Help: "Number of tasks waiting in a worker pool",
	}, []string{"queue"})

	// ActiveWorkers tracks busy workers per pool
	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veriflow_active_workers",
		Help: "Number of workers currently running a task",
	}, []string{"queue"})
)
