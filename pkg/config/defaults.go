package config

import (
	"strings"
	"time"

	"github.com/marmos91/mirrorfs/pkg/volume"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"github.com/marmos91/mirrorfs/pkg/xlators/features/locks"
	"github.com/marmos91/mirrorfs/pkg/xlators/storage/kv"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Translator-specific defaults are handled by the translators
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyHealDefaults(&cfg.Heal)
	applyMetricsDefaults(&cfg.Metrics)

	if len(cfg.Volume.Nodes) == 0 {
		cfg.Volume = DefaultGraph()
	}
	for i := range cfg.Volume.Nodes {
		if cfg.Volume.Nodes[i].Options == nil {
			cfg.Volume.Nodes[i].Options = make(map[string]any)
		}
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyHealDefaults(cfg *HealConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// DefaultGraph describes a mirror of two in-memory bricks, each behind a
// lock server.
func DefaultGraph() volume.Graph {
	brick := func(name string) volume.NodeSpec {
		return volume.NodeSpec{
			Name:    name,
			Type:    kv.Type,
			Options: map[string]any{"backend": map[string]any{"type": "memory"}},
		}
	}
	return volume.Graph{
		Top: "mirror",
		Nodes: []volume.NodeSpec{
			{Name: "mirror", Type: replicate.Type, Subvolumes: []string{"locks0", "locks1"}, Options: map[string]any{}},
			{Name: "locks0", Type: locks.Type, Subvolumes: []string{"brick0"}, Options: map[string]any{}},
			{Name: "locks1", Type: locks.Type, Subvolumes: []string{"brick1"}, Options: map[string]any{}},
			brick("brick0"),
			brick("brick1"),
		},
	}
}

// GetDefaultConfig returns a Config with default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
