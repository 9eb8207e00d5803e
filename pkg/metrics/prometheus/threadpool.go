package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/dittorpc/pkg/metrics"
)

// threadPoolMetrics is the Prometheus implementation of metrics.ThreadPoolMetrics.
type threadPoolMetrics struct {
	running         prometheus.Gauge
	inUse           prometheus.Gauge
	load            prometheus.Gauge
	dispatches      *prometheus.CounterVec
	dispatchLatency prometheus.Observer
	threadsStarted  prometheus.Counter
	threadsStopped  prometheus.Counter
	sizeWarnings    prometheus.Counter
	pool            string
}

// NewThreadPoolMetrics creates Prometheus-backed metrics for the named pool
// in the global registry.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewThreadPoolMetrics(pool string) metrics.ThreadPoolMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopThreadPoolMetrics()
	}
	return NewThreadPoolMetricsWith(metrics.GetRegistry(), pool)
}

// NewThreadPoolMetricsWith creates Prometheus-backed metrics registered in reg.
func NewThreadPoolMetricsWith(reg prometheus.Registerer, pool string) metrics.ThreadPoolMetrics {
	labels := []string{"pool"}

	running := metrics.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dittorpc_threadpool_threads_running",
		Help: "Number of worker goroutines currently running",
	}, labels))
	inUse := metrics.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dittorpc_threadpool_threads_in_use",
		Help: "Number of workers currently executing application code",
	}, labels))
	load := metrics.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dittorpc_threadpool_load",
		Help: "Smoothed estimate of workers in use",
	}, labels))
	dispatches := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dittorpc_threadpool_dispatches_total",
		Help: "Handler dispatches by outcome",
	}, []string{"pool", "status"}))
	latency := metrics.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "dittorpc_threadpool_dispatch_duration_milliseconds",
		Help: "Duration of handler dispatches in milliseconds",
		Buckets: []float64{
			0.1,  // 100us
			1,    // 1ms
			10,   // 10ms
			100,  // 100ms
			1000, // 1s
		},
	}, labels))
	started := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dittorpc_threadpool_threads_started_total",
		Help: "Worker goroutines started",
	}, labels))
	stopped := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dittorpc_threadpool_threads_stopped_total",
		Help: "Worker goroutines exited",
	}, labels))
	warnings := metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dittorpc_threadpool_size_warnings_total",
		Help: "Times the in-use count reached the warning threshold",
	}, labels))

	return &threadPoolMetrics{
		running:         running.WithLabelValues(pool),
		inUse:           inUse.WithLabelValues(pool),
		load:            load.WithLabelValues(pool),
		dispatches:      dispatches,
		dispatchLatency: latency.WithLabelValues(pool),
		threadsStarted:  started.WithLabelValues(pool),
		threadsStopped:  stopped.WithLabelValues(pool),
		sizeWarnings:    warnings.WithLabelValues(pool),
		pool:            pool,
	}
}

func (m *threadPoolMetrics) SetThreads(running, inUse int) {
	m.running.Set(float64(running))
	m.inUse.Set(float64(inUse))
}

func (m *threadPoolMetrics) SetLoad(load float64) {
	m.load.Set(load)
}

func (m *threadPoolMetrics) RecordDispatch(duration time.Duration, err error) {
	m.dispatches.WithLabelValues(m.pool, statusLabel(err)).Inc()
	m.dispatchLatency.Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *threadPoolMetrics) RecordThreadStarted() {
	m.threadsStarted.Inc()
}

func (m *threadPoolMetrics) RecordThreadStopped() {
	m.threadsStopped.Inc()
}

func (m *threadPoolMetrics) RecordSizeWarning() {
	m.sizeWarnings.Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
