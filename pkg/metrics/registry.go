// Package metrics provides Prometheus metrics collection for dittorpc components.
//
// All metrics are optional - if not initialized, components use no-op
// implementations. This allows a server to run with or without metrics
// collection enabled.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	poolMetrics := prometheus.NewThreadPoolMetrics("server")
//
//	// Or use nil for no-op behavior
//	pool, err := threadpool.New(cfg, log, nil)
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is the global Prometheus registry for all dittorpc metrics.
	// Protected by registryOnce for write-once, read-many.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// It is safe to call multiple times - subsequent calls are ignored. If it is
// never called, GetRegistry returns nil and the Prometheus constructors
// return no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global Prometheus registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// Register registers c with reg. If an identical collector is already
// registered (several pools or evictors in one process), the existing
// collector is returned instead so label-partitioned vectors are shared.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
