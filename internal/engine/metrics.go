package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	QueueDepth        prometheus.Gauge
	Running           prometheus.Gauge
	CacheEvents       *prometheus.CounterVec
	PoolCPUInUse      prometheus.Gauge
	PoolMemoryInUse   prometheus.Gauge
}

// NewMetrics registers the engine instruments with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "optiforge_executions_total",
			Help: "Workflow executions by terminal status.",
		}, []string{"status"}),
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "optiforge_execution_duration_seconds",
			Help:    "Wall-clock duration of workflow executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "optiforge_queue_depth",
			Help: "Executions waiting for a run slot.",
		}),
		Running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "optiforge_executions_running",
			Help: "Executions currently holding a run slot.",
		}),
		CacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "optiforge_cache_events_total",
			Help: "Cache lookups by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PoolCPUInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "optiforge_pool_cpu_millis_in_use",
			Help: "CPU millicores held by live allocations.",
		}),
		PoolMemoryInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "optiforge_pool_memory_mb_in_use",
			Help: "Memory in MB held by live allocations.",
		}),
	}
}

func (m *Metrics) cacheHit(kind string) {
	if m != nil {
		m.CacheEvents.WithLabelValues(kind, "hit").Inc()
	}
}

func (m *Metrics) cacheMiss(kind string) {
	if m != nil {
		m.CacheEvents.WithLabelValues(kind, "miss").Inc()
	}
}

func (m *Metrics) executionFinished(status string, seconds float64) {
	if m != nil {
		m.ExecutionsTotal.WithLabelValues(status).Inc()
		if seconds > 0 {
			m.ExecutionDuration.Observe(seconds)
		}
	}
}
