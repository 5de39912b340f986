package config

import "strings"

// ApplyDefaults sets default values for any unspecified configuration
// fields.
//
// Zero values (0, "", false, nil) are replaced with defaults; explicit
// values are preserved. Backend-specific defaults live with the backends.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyDeviceDefaults(&cfg.Device)
	applyMountDefaults(cfg)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyDeviceDefaults sets device backend defaults.
func applyDeviceDefaults(cfg *DeviceConfig) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}

	if cfg.File == nil {
		cfg.File = make(map[string]any)
	}
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Memory["size"]; !ok {
		cfg.Memory["size"] = uint64(64 * 1024 * 1024)
	}
}

func applyMountDefaults(cfg *Config) {
	if cfg.Mount.Label == "" {
		cfg.Mount.Label = cfg.Device.Type
	}
}
