package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	// an absent config file falls back to defaults entirely
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "file", cfg.Device.Type)
	assert.Equal(t, "file", cfg.Mount.Label)
	assert.False(t, cfg.Mount.ReadOnly)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
metrics:
  enabled: true
  port: 9191
device:
  type: memory
  memory:
    size: 16777216
mount:
  read_only: true
  label: scratch
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "memory", cfg.Device.Type)
	assert.True(t, cfg.Mount.ReadOnly)
	assert.Equal(t, "scratch", cfg.Mount.Label)
}

func TestMountLabelDefaultsToDeviceType(t *testing.T) {
	path := writeConfig(t, `
device:
  type: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Mount.Label)
}

func TestLoadValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "bad log level",
			content: `
logging:
  level: verbose
`,
		},
		{
			name: "bad log format",
			content: `
logging:
  format: xml
`,
		},
		{
			name: "unknown device type",
			content: `
device:
  type: floppy
`,
		},
		{
			name: "metrics port out of range",
			content: `
metrics:
  port: 70000
`,
		},
		{
			name: "file device without path",
			content: `
device:
  type: file
`,
		},
		{
			name: "s3 device without bucket",
			content: `
device:
  type: s3
  s3:
    region: eu-west-1
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: info
device:
  type: file
  file:
    path: /tmp/vol.img
`)

	t.Setenv("EXT2FS_LOGGING_LEVEL", "error")
	t.Setenv("EXT2FS_DEVICE_TYPE", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ERROR", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Device.Type)
}

func TestCreateMemoryDevice(t *testing.T) {
	path := writeConfig(t, `
device:
  type: memory
  memory:
    size: 1048576
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dev, err := CreateDevice(context.Background(), &cfg.Device)
	require.NoError(t, err)
	defer dev.Close()

	require.Equal(t, uint64(1048576), dev.Size())
}

func TestCreateFileDevice(t *testing.T) {
	img := filepath.Join(t.TempDir(), "vol.img")
	cfg := &DeviceConfig{
		Type: "file",
		File: map[string]any{
			"path":   img,
			"size":   1 << 20,
			"create": true,
		},
	}

	dev, err := CreateDevice(context.Background(), cfg)
	require.NoError(t, err)
	defer dev.Close()

	require.Equal(t, uint64(1<<20), dev.Size())
}

func TestCreateBadgerDeviceInMemory(t *testing.T) {
	cfg := &DeviceConfig{
		Type: "badger",
		Badger: map[string]any{
			"in_memory": true,
			"size":      1 << 20,
		},
	}

	dev, err := CreateDevice(context.Background(), cfg)
	require.NoError(t, err)
	defer dev.Close()

	require.Equal(t, uint64(1<<20), dev.Size())
}

func TestCreateDeviceUnknownType(t *testing.T) {
	_, err := CreateDevice(context.Background(), &DeviceConfig{Type: "tape"})
	require.Error(t, err)
}
