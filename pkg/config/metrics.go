package config

import (
	"context"

	"github.com/marmos91/dittorpc/pkg/metrics"
	promMetrics "github.com/marmos91/dittorpc/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
//
// The constructors are never nil: they return no-op implementations when
// metrics are disabled.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// ThreadPool creates the metrics of a thread pool
	ThreadPool func(pool string) metrics.ThreadPoolMetrics

	// Evictor creates the metrics of an evictor
	Evictor func(evictor string) metrics.EvictorMetrics

	// Adapter creates the metrics of an object adapter
	Adapter func(adapter string) metrics.AdapterMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server, consulting health for /healthz
//   - Returns Prometheus-backed constructors for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op constructors (zero overhead)
func InitializeMetrics(cfg *Config, health func(ctx context.Context) error) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			ThreadPool: func(string) metrics.ThreadPoolMetrics { return metrics.NewNoopThreadPoolMetrics() },
			Evictor:    func(string) metrics.EvictorMetrics { return metrics.NewNoopEvictorMetrics() },
			Adapter:    func(string) metrics.AdapterMetrics { return metrics.NewNoopAdapterMetrics() },
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:   cfg.Server.Metrics.Port,
		Health: health,
	})

	return &MetricsResult{
		Server:     server,
		ThreadPool: promMetrics.NewThreadPoolMetrics,
		Evictor:    promMetrics.NewEvictorMetrics,
		Adapter:    promMetrics.NewAdapterMetrics,
	}
}
