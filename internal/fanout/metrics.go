package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricDeliveriesTotal      = "feed_fanout_deliveries_total"
	MetricBatchesTotal         = "feed_fanout_batches_total"
	MetricBatchDuration        = "feed_fanout_batch_duration_seconds"
	MetricEntriesInsertedTotal = "feed_fanout_entries_inserted_total"
	MetricCacheErrorsTotal     = "feed_fanout_cache_errors_total"
	MetricRecipients           = "feed_fanout_recipients"
)

// Metrics tracks fan-out outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	deliveries    *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	inserted      prometheus.Counter
	cacheErrors   prometheus.Counter
	recipients    prometheus.Histogram
}

// NewMetrics creates unregistered fan-out metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDeliveriesTotal,
				Help: "Content items fanned out, by strategy",
			},
			[]string{"strategy"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBatchesTotal,
				Help: "Delivery batches processed, by status",
			},
			[]string{"status"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricBatchDuration,
				Help:    "Time to score, insert and cache one delivery batch",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		inserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricEntriesInsertedTotal,
				Help: "Feed entries newly written by fan-out",
			},
		),
		cacheErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricCacheErrorsTotal,
				Help: "Cache updates that failed during fan-out",
			},
		),
		recipients: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricRecipients,
				Help:    "Resolved audience size per content item",
				Buckets: prometheus.ExponentialBuckets(1, 4, 9),
			},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.deliveries,
		m.batches,
		m.batchDuration,
		m.inserted,
		m.cacheErrors,
		m.recipients,
	}
}

func (m *Metrics) observeDelivery(strategy Strategy, audience int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(strategy)).Inc()
	m.recipients.Observe(float64(audience))
}

func (m *Metrics) observeBatch(status string, seconds float64, inserted int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(status).Inc()
	m.batchDuration.Observe(seconds)
	m.inserted.Add(float64(inserted))
}

func (m *Metrics) incCacheErrors() {
	if m == nil {
		return
	}
	m.cacheErrors.Inc()
}
