package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the pool. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	PoolSize      prometheus.Gauge
	QueueSize     prometheus.Gauge
	BlacklistSize prometheus.Gauge
	Tests         *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	Evictions     *prometheus.CounterVec
	Latency       prometheus.Histogram
	Refreshes     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxypool_validated_proxies",
			Help: "Number of proxies in the validated pool",
		}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxypool_queued_candidates",
			Help: "Number of candidates waiting to be tested",
		}),
		BlacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxypool_blacklisted_addresses",
			Help: "Number of blacklisted addresses",
		}),
		Tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxypool_tests_total",
			Help: "Liveness tests run, by result",
		}, []string{"result"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxypool_test_failures_total",
			Help: "Failed liveness tests, by failure kind",
		}, []string{"kind"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxypool_evictions_total",
			Help: "Proxies removed from the pool, by reason",
		}, []string{"reason"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxypool_test_latency_seconds",
			Help:    "Latency of successful liveness tests",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 6, 8, 12},
		}),
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxypool_source_refreshes_total",
			Help: "Number of times the proxy sources were fetched",
		}),
	}

	reg.MustRegister(
		m.PoolSize,
		m.QueueSize,
		m.BlacklistSize,
		m.Tests,
		m.Failures,
		m.Evictions,
		m.Latency,
		m.Refreshes,
	)
	return m
}

func (m *Metrics) setSizes(pool, queue, blacklist int) {
	if m == nil {
		return
	}
	m.PoolSize.Set(float64(pool))
	m.QueueSize.Set(float64(queue))
	m.BlacklistSize.Set(float64(blacklist))
}

func (m *Metrics) observeSuccess(latency time.Duration) {
	if m == nil {
		return
	}
	m.Tests.WithLabelValues("working").Inc()
	m.Latency.Observe(latency.Seconds())
}

func (m *Metrics) observeFailure(kind string) {
	if m == nil {
		return
	}
	m.Tests.WithLabelValues("failed").Inc()
	m.Failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeEviction(reason string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeRefresh() {
	if m == nil {
		return
	}
	m.Refreshes.Inc()
}
