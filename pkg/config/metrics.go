package config

import (
	"github.com/marmos91/mirrorfs/pkg/healer"
	"github.com/marmos91/mirrorfs/pkg/metrics"
	promMetrics "github.com/marmos91/mirrorfs/pkg/metrics/prometheus"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Heal receives the self-heal observations of every replicate node
	// (nil if disabled)
	Heal replicate.HealMetrics

	// Crawl receives the crawler reports (nil if disabled)
	Crawl healer.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled, the global Prometheus registry is initialized and
// the server and collectors are created against it. Otherwise every field is
// nil and the components use their no-op implementations.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Metrics.Port,
		}),
		Heal:  promMetrics.NewHealMetrics(),
		Crawl: promMetrics.NewCrawlMetrics(),
	}
}
