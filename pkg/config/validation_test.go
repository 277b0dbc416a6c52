package config

import (
	"strings"
	"testing"

	"github.com/marmos91/mirrorfs/pkg/volume"
)

func TestValidate_DefaultConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "TRACE" },
			wantErr: "Level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "Format",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Heal.Concurrency = 0 },
			wantErr: "Concurrency",
		},
		{
			name:    "metrics port out of range",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "Port",
		},
		{
			name: "unknown translator type",
			mutate: func(c *Config) {
				c.Volume.Nodes[3].Type = "storage/posix"
			},
			wantErr: "unknown type",
		},
		{
			name: "dangling subvolume",
			mutate: func(c *Config) {
				c.Volume.Nodes[1].Subvolumes = []string{"brick9"}
			},
			wantErr: "unknown subvolume",
		},
		{
			name:    "heal target missing",
			mutate:  func(c *Config) { c.Heal.Replicates = []string{"nope"} },
			wantErr: "unknown node",
		},
		{
			name:    "heal target is not a replicate",
			mutate:  func(c *Config) { c.Heal.Replicates = []string{"brick0"} },
			wantErr: "not a cluster/replicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("Expected an error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_EmptyGraph(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Volume = volume.Graph{}
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected an error for an empty graph")
	}
}
