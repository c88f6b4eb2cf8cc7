package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "http://localhost:5000", cfg.Backend.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.StatsInterval)
	assert.Equal(t, 64, cfg.Realtime.EventBuffer)
	assert.True(t, cfg.Realtime.EchoCancellation)
	assert.True(t, cfg.Realtime.NoiseSuppression)
	assert.True(t, cfg.Realtime.AutoGainControl)
	assert.Empty(t, cfg.Monitor.Addr)
}

func TestLoader_CreatesFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caredesk", "config.yaml")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5000", cfg.Backend.BaseURL)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "defaults should be written on first run")
}

func TestLoader_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`backend:
  base_url: http://backend.internal:9000
  timeout: 5s
user:
  name: Dana
  patient_age: 42
scheduler:
  stats_interval: 1m
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://backend.internal:9000", cfg.Backend.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "Dana", cfg.User.Name)
	assert.Equal(t, 42, cfg.User.PatientAge)
	assert.Equal(t, time.Minute, cfg.Scheduler.StatsInterval)
	// untouched keys keep defaults
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("CAREDESK_BACKEND_BASE_URL", "http://from-env:7000")
	t.Setenv("CAREDESK_MONITOR_ADDR", "127.0.0.1:9464")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:7000", cfg.Backend.BaseURL)
	assert.Equal(t, "127.0.0.1:9464", cfg.Monitor.Addr)
}

func TestLoader_LegacyFrontendURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("REACT_APP_API_URL", "http://legacy:5001")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://legacy:5001", cfg.Backend.BaseURL)
}
