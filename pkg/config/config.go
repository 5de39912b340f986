package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config captures every configurable aspect of the ext2fs tools:
//
//   - Logging behavior
//   - Metrics collection and the HTTP endpoint exposing it
//   - Block device selection and device-specific options
//   - Mount options
//
// Configuration sources (in order of precedence):
//  1. Environment variables (EXT2FS_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
//
// Device Configuration Pattern:
// Each device backend defines its own option set. The Config struct
// contains one map section per backend (device.file, device.badger, ...)
// and only the section matching the selected Type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Metrics controls Prometheus collection and the scrape endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Device selects the block device backend and its options
	Device DeviceConfig `mapstructure:"device"`

	// Mount contains mount options
	Mount MountConfig `mapstructure:"mount"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns metrics collection on
	Enabled bool `mapstructure:"enabled"`

	// Port is the HTTP port the /metrics endpoint listens on
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// DeviceConfig specifies the block device backend.
//
// The Type field determines which backend is used; only the matching
// option section is read.
type DeviceConfig struct {
	// Type specifies which device backend to use
	// Valid values: file, memory, badger, s3
	Type string `mapstructure:"type" validate:"required,oneof=file memory badger s3"`

	// File contains options for the file-backed device
	// Only used when Type = "file"
	File map[string]any `mapstructure:"file"`

	// Memory contains options for the in-memory device
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// Badger contains options for the Badger-backed device
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// S3 contains options for the S3-backed device
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// MountConfig contains mount options.
type MountConfig struct {
	// ReadOnly mounts the volume read-only
	ReadOnly bool `mapstructure:"read_only"`

	// Label names the volume in metrics; defaults to the device type
	Label string `mapstructure:"label"`
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath uses the default location
// ($XDG_CONFIG_HOME/ext2fs/config.yaml); a missing file is not an error,
// the defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper wires environment variables and the config file search path.
func setupViper(v *viper.Viper, configPath string) {
	// Example: EXT2FS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("EXT2FS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
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
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path, honoring
// XDG_CONFIG_HOME.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ext2fs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ext2fs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
