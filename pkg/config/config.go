package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/mirrorfs/pkg/volume"
	"github.com/spf13/viper"
)

// Config represents the complete mirrorfs configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (MIRRORFS_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Translator Options Pattern:
// Every node of the volume graph carries a free-form options map. The
// factory registered for the node's type decodes the map into the
// translator's own Options struct and validates it, so only the graph shape
// is checked here.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains process-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Volume is the translator graph
	Volume volume.Graph `mapstructure:"volume"`

	// Heal configures the background self-heal daemon
	Heal HealConfig `mapstructure:"heal"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// HealConfig configures the self-heal daemon.
type HealConfig struct {
	// Enabled starts the daemon with the serve command
	Enabled bool `mapstructure:"enabled"`

	// Interval is the time between two full crawls
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0"`

	// Concurrency bounds the heal sessions run in parallel by a crawl
	Concurrency int `mapstructure:"concurrency" validate:"required,min=1,max=1024"`

	// Replicates names the cluster/replicate nodes to crawl. Empty selects
	// every replicate node of the volume.
	Replicates []string `mapstructure:"replicates"`

	// OnChildUp starts a crawl when a replica comes back
	OnChildUp bool `mapstructure:"on_child_up"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Enabled turns on collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled"`

	// Port is the HTTP port serving /metrics
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// A missing configuration file is not an error: the defaults describe a
// single in-memory mirror of two bricks.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use MIRRORFS_ prefix and underscores
	// Example: MIRRORFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("MIRRORFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment variables only override keys viper knows about
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"server.shutdown_timeout",
		"heal.enabled", "heal.interval", "heal.concurrency", "heal.on_child_up",
		"metrics.enabled", "metrics.port",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/mirrorfs/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "mirrorfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "mirrorfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
