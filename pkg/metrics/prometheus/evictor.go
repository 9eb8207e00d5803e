package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/dittorpc/pkg/metrics"
)

// evictorMetrics is the Prometheus implementation of metrics.EvictorMetrics.
type evictorMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	storeOps  *prometheus.CounterVec
	storeTime *prometheus.HistogramVec
	evictions prometheus.Counter
	cached    prometheus.Gauge
	inUse     prometheus.Gauge
	evictor   string
}

// NewEvictorMetrics creates Prometheus-backed metrics for the named evictor
// in the global registry.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewEvictorMetrics(evictor string) metrics.EvictorMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopEvictorMetrics()
	}
	return NewEvictorMetricsWith(metrics.GetRegistry(), evictor)
}

// NewEvictorMetricsWith creates Prometheus-backed metrics registered in reg.
func NewEvictorMetricsWith(reg prometheus.Registerer, evictor string) metrics.EvictorMetrics {
	labels := []string{"evictor"}

	hits := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dittorpc_evictor_cache_hits_total",
		Help: "Locate calls served from the cache",
	}, labels))
	misses := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dittorpc_evictor_cache_misses_total",
		Help: "Locate calls that required a store load",
	}, labels))
	storeOps := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dittorpc_evictor_store_operations_total",
		Help: "Persistent store operations by kind and outcome",
	}, []string{"evictor", "op", "status"}))
	storeTime := metrics.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "dittorpc_evictor_store_duration_milliseconds",
		Help: "Duration of persistent store operations in milliseconds",
		Buckets: []float64{
			0.1,  // 100us
			1,    // 1ms
			10,   // 10ms
			100,  // 100ms
			1000, // 1s
		},
	}, []string{"evictor", "op"}))
	evictions := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dittorpc_evictor_evictions_total",
		Help: "Entries evicted from the cache",
	}, labels))
	cached := metrics.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dittorpc_evictor_cached_entries",
		Help: "Entries currently cached",
	}, labels))
	inUse := metrics.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dittorpc_evictor_in_use_entries",
		Help: "Cached entries with requests in flight",
	}, labels))

	return &evictorMetrics{
		hits:      hits.WithLabelValues(evictor),
		misses:    misses.WithLabelValues(evictor),
		storeOps:  storeOps,
		storeTime: storeTime,
		evictions: evictions.WithLabelValues(evictor),
		cached:    cached.WithLabelValues(evictor),
		inUse:     inUse.WithLabelValues(evictor),
		evictor:   evictor,
	}
}

func (m *evictorMetrics) RecordHit() {
	m.hits.Inc()
}

func (m *evictorMetrics) RecordMiss() {
	m.misses.Inc()
}

func (m *evictorMetrics) RecordStoreOp(op string, duration time.Duration, err error) {
	m.storeOps.WithLabelValues(m.evictor, op, statusLabel(err)).Inc()
	m.storeTime.WithLabelValues(m.evictor, op).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *evictorMetrics) RecordEviction() {
	m.evictions.Inc()
}

func (m *evictorMetrics) SetCached(cached, inUse int) {
	m.cached.Set(float64(cached))
	m.inUse.Set(float64(inUse))
}
