package reader

import "github.com/prometheus/client_golang/prometheus"

// Metric names.
const (
	MetricCacheRequestsTotal = "feed_reader_cache_requests_total"
	MetricPulledItemsTotal   = "feed_reader_pulled_items_total"
	MetricAssembleDuration   = "feed_reader_assemble_duration_seconds"
)

// Metrics tracks read-path behavior. A nil *Metrics records nothing.
type Metrics struct {
	cacheRequests *prometheus.CounterVec
	pulled        prometheus.Counter
	assemble      prometheus.Histogram
}

// NewMetrics creates unregistered reader metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		cacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCacheRequestsTotal,
				Help: "First-page cache lookups, by result (hit, miss, error)",
			},
			[]string{"result"},
		),
		pulled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricPulledItemsTotal,
				Help: "Items merged into a feed through popular markers",
			},
		),
		assemble: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricAssembleDuration,
				Help:    "Time to assemble a feed from the store",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.cacheRequests, m.pulled, m.assemble} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) cacheResult(result string) {
	if m != nil {
		m.cacheRequests.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) addPulled(n int) {
	if m != nil && n > 0 {
		m.pulled.Add(float64(n))
	}
}

func (m *Metrics) observeAssemble(seconds float64) {
	if m != nil {
		m.assemble.Observe(seconds)
	}
}
