package config

import (
	"github.com/marmos91/ext2fs/pkg/metrics"
)

// MetricsResult contains all metrics components created from
// configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if
	// disabled)
	Server *metrics.Server

	// Filesystem is the filesystem metrics collector (nil if disabled;
	// nil is a valid no-op collector)
	Filesystem *metrics.FilesystemMetrics
}

// InitializeMetrics creates all metrics components based on
// configuration.
//
// When metrics are enabled this initializes the global Prometheus
// registry, creates the scrape server and the filesystem collector. When
// disabled it returns nils, which every consumer treats as no-op.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server:     metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port}),
		Filesystem: metrics.NewFilesystemMetrics(cfg.Mount.Label),
	}
}
