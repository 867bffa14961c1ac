package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.EtcdEndpoints)
	assert.Greater(t, cfg.Lease.TTL, cfg.Lease.HeartbeatInterval, "heartbeats must outpace lease expiry")
	assert.Greater(t, cfg.Health.HealthyThreshold, cfg.Health.UnhealthyThreshold)
	assert.InDelta(t, 1.0, cfg.Health.HeartbeatWeight+cfg.Health.ResourceWeight+cfg.Health.TaskWeight, 0.001)
	assert.Contains(t, cfg.Recovery.MaxRetries, "transient")
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen_addr: ":9090"
queue:
  aging_interval: 10s
  high_water_mark: 50
lease:
  ttl: 30s
pool:
  max_workers: 3
recovery:
  max_retries:
    transient: 7
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Queue.AgingInterval)
	assert.Equal(t, 50, cfg.Queue.HighWaterMark)
	assert.Equal(t, 30*time.Second, cfg.Lease.TTL)
	assert.Equal(t, 3, cfg.Pool.MaxWorkers)
	assert.Equal(t, 7, cfg.Recovery.MaxRetries["transient"])

	// Untouched sections keep their defaults.
	assert.Equal(t, 3*time.Second, cfg.Lease.HeartbeatInterval)
	assert.Equal(t, "@every 5m", cfg.Janitor.SweepSchedule)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr: ":7070"`), 0o644))
	t.Setenv("PRISM_CONFIG", path)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
}
