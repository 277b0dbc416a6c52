// Package metrics provides Prometheus metrics collection for mirrorfs components.
//
// All metrics are optional - if no registry is installed, the constructors
// return nil and the components fall back to their built-in no-op
// implementations.
//
// Usage:
//
//	metrics.InitRegistry()
//	heal := prometheus.NewHealMetrics()   // replicate.HealMetrics
//	crawl := prometheus.NewCrawlMetrics() // healer.Metrics
//
// where prometheus is github.com/marmos91/mirrorfs/pkg/metrics/prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry installs the process-wide registry with the Go runtime and
// process collectors. Calling it again keeps the installed registry.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// UseRegistry installs reg as the process-wide registry (nil disables
// metrics). Tests use it to start from an empty registry.
func UseRegistry(reg *prometheus.Registry) {
	mu.Lock()
	defer mu.Unlock()
	registry = reg
}

// GetRegistry returns the installed registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// IsEnabled reports whether a registry is installed.
func IsEnabled() bool {
	return GetRegistry() != nil
}
