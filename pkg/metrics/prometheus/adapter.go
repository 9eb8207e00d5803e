package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/dittorpc/pkg/metrics"
)

// adapterMetrics is the Prometheus implementation of metrics.AdapterMetrics.
type adapterMetrics struct {
	requests            *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	retries             *prometheus.CounterVec
	rateLimited         prometheus.Counter
	bytesTransferred    *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	connectionsAccepted prometheus.Counter
	connectionsClosed   *prometheus.CounterVec
	adapter             string
}

// NewAdapterMetrics creates Prometheus-backed metrics for the named object
// adapter in the global registry.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewAdapterMetrics(adapter string) metrics.AdapterMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopAdapterMetrics()
	}
	return NewAdapterMetricsWith(metrics.GetRegistry(), adapter)
}

// NewAdapterMetricsWith creates Prometheus-backed metrics registered in reg.
func NewAdapterMetricsWith(reg prometheus.Registerer, adapter string) metrics.AdapterMetrics {
	labels := []string{"adapter"}

	return &adapterMetrics{
		requests: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dittorpc_adapter_requests_total",
			Help: "Requests by operation and reply status",
		}, []string{"adapter", "operation", "status"})),
		requestDuration: metrics.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dittorpc_adapter_request_duration_milliseconds",
			Help: "Duration of requests in milliseconds",
			Buckets: []float64{
				1,     // 1ms
				10,    // 10ms
				100,   // 100ms
				1000,  // 1s
				10000, // 10s
			},
		}, []string{"adapter", "operation"})),
		retries: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dittorpc_adapter_retries_total",
			Help: "Units of work restarted after a store conflict",
		}, []string{"adapter", "operation"})),
		rateLimited: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dittorpc_adapter_rate_limited_total",
			Help: "Requests rejected by admission control",
		}, labels)).WithLabelValues(adapter),
		bytesTransferred: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dittorpc_adapter_bytes_transferred_total",
			Help: "Bytes transferred to and from clients",
		}, []string{"adapter", "direction"})),
		activeConnections: metrics.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dittorpc_adapter_active_connections",
			Help: "Current number of client connections",
		}, labels)).WithLabelValues(adapter),
		connectionsAccepted: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dittorpc_adapter_connections_accepted_total",
			Help: "Connections accepted",
		}, labels)).WithLabelValues(adapter),
		connectionsClosed: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dittorpc_adapter_connections_closed_total",
			Help: "Connections closed by reason",
		}, []string{"adapter", "reason"})),
		adapter: adapter,
	}
}

func (m *adapterMetrics) RecordRequest(operation, status string, duration time.Duration) {
	m.requests.WithLabelValues(m.adapter, operation, status).Inc()
	m.requestDuration.WithLabelValues(m.adapter, operation).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *adapterMetrics) RecordRetry(operation string) {
	m.retries.WithLabelValues(m.adapter, operation).Inc()
}

func (m *adapterMetrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

func (m *adapterMetrics) RecordBytesTransferred(direction string, bytes int) {
	m.bytesTransferred.WithLabelValues(m.adapter, direction).Add(float64(bytes))
}

func (m *adapterMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *adapterMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *adapterMetrics) RecordConnectionClosed(reason string) {
	m.connectionsClosed.WithLabelValues(m.adapter, reason).Inc()
}
