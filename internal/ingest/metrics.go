package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricNotifications  = "feed_ingest_notifications_total"
	MetricConnected      = "feed_ingest_connected"
	MetricHandleDuration = "feed_ingest_handle_duration_seconds"
)

// Notification outcomes.
const (
	OutcomeHandled = "handled"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
	OutcomeUnknown = "unknown_channel"
)

// Metrics contains Prometheus metrics for the listener. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	notifications  *prometheus.CounterVec
	connected      prometheus.Gauge
	handleDuration *prometheus.HistogramVec
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricNotifications,
			Help: "Notifications received, by channel and outcome",
		}, []string{"channel", "outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricConnected,
			Help: "1 while the notification listener holds a connection",
		}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHandleDuration,
			Help:    "Time spent dispatching a notification",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.notifications,
		m.connected,
		m.handleDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) incNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) observeHandle(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.handleDuration.WithLabelValues(channel).Observe(seconds)
}
