package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronolog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
db_file: /tmp/engine.db
pool_size: 128
flush_daemon:
  enabled: true
  interval_millis: 250
  pages_per_second: 64
telemetry:
  enabled: true
  service_name: chronolog-test
  prometheus_port: 9999
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/engine.db", cfg.DBFile)
	require.Equal(t, 128, cfg.PoolSize)
	require.True(t, cfg.FlushDaemon.Enabled)
	require.Equal(t, 250*time.Millisecond, cfg.FlushDaemon.Interval())
	require.Equal(t, float64(64), cfg.FlushDaemon.PagesPerSecond)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, "chronolog-test", cfg.Telemetry.ServiceName)
	require.Equal(t, 9999, cfg.Telemetry.PrometheusPort)

	// Untouched sections keep their defaults.
	require.Equal(t, Default().Ingestion, cfg.Ingestion)
}

func TestLoadRejectsBadPoolSize(t *testing.T) {
	path := writeConfig(t, "pool_size: -3\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 64, cfg.PoolSize)
	require.False(t, cfg.Telemetry.Enabled)
	require.False(t, cfg.FlushDaemon.Enabled)
	require.Equal(t, 1000, cfg.Ingestion.Count)
}
