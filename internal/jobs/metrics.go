// Package jobs provides the asynchronous task queue and worker pool used by
// fan-out delivery, and the Prometheus metrics shared by every background job.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricJobsTotal         = "feed_background_jobs_total"
	MetricJobsDuration      = "feed_background_jobs_duration_seconds"
	MetricJobErrorsTotal    = "feed_background_job_errors_total"
	MetricQueueDepth        = "feed_task_queue_depth"
	MetricTasksDroppedTotal = "feed_tasks_dropped_total"
	MetricTaskRetriesTotal  = "feed_task_retries_total"
)

// Job type constants for labeling.
const (
	JobTypeFanoutBatch     = "fanout_batch"
	JobTypeFeedRebuild     = "feed_rebuild"
	JobTypeInactiveRebuild = "inactive_rebuild"
	JobTypeRetentionPrune  = "retention_prune"
)

// Status constants for job completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Reporter is the subset of Metrics that jobs report to. A nil Reporter
// disables reporting.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Metrics contains Prometheus metrics for background jobs and the task queue.
// All operations are thread-safe.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	tasksDropped *prometheus.CounterVec
	taskRetries  *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobsTotal,
				Help: "Total number of background job executions by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricJobsDuration,
				Help:    "Histogram of background job duration in seconds by job type",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobErrorsTotal,
				Help: "Total number of background job errors by type and error type",
			},
			[]string{"job_type", "error_type"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricQueueDepth,
				Help: "Number of tasks waiting in the task queue",
			},
		),
		tasksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTasksDroppedTotal,
				Help: "Total number of tasks dropped because the queue was full or closed",
			},
			[]string{"job_type", "reason"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTaskRetriesTotal,
				Help: "Total number of task re-enqueues after a transient failure",
			},
			[]string{"job_type"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal increments the jobs total counter.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records a job duration sample in seconds.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors increments the job errors counter.
// errorType is e.g. "timeout", "store_error" or "exhausted".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// IncTasksDropped counts a task the queue refused.
func (m *Metrics) IncTasksDropped(jobType, reason string) {
	m.tasksDropped.WithLabelValues(jobType, reason).Inc()
}

// IncTaskRetries counts a task re-enqueued for another attempt.
func (m *Metrics) IncTaskRetries(jobType string) {
	m.taskRetries.WithLabelValues(jobType).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
		m.queueDepth,
		m.tasksDropped,
		m.taskRetries,
	}
}
