package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFactoryComponentLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	f, err := NewFactory(Config{
		Level:      "warn",
		Format:     "json",
		OutputFile: path,
		ComponentLevels: map[string]string{
			ComponentBufferPool: "debug",
		},
	})
	require.NoError(t, err)

	// The bufferpool override lets debug through; everything else stays at
	// the warn base level.
	f.For(ComponentBufferPool).Debug("eviction trace")
	f.For(ComponentDisk).Debug("suppressed disk debug")
	f.For(ComponentDisk).Warn("disk warning")
	f.Root().Info("suppressed root info")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(raw)
	require.Contains(t, out, "eviction trace")
	require.Contains(t, out, `"logger":"bufferpool"`)
	require.Contains(t, out, "disk warning")
	require.NotContains(t, out, "suppressed disk debug")
	require.NotContains(t, out, "suppressed root info")
}

func TestFactoryRejectsBadComponentLevel(t *testing.T) {
	_, err := NewFactory(Config{
		Level:           "info",
		ComponentLevels: map[string]string{ComponentVersioning: "loud"},
	})
	require.Error(t, err)
}

func TestNewDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	lg, err := New(Config{Level: "not-a-level", Format: "json", OutputFile: path})
	require.NoError(t, err)

	lg.Debug("suppressed")
	lg.Info("kept")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "kept")
	require.NotContains(t, string(raw), "suppressed")
}

func TestComponentToleratesNil(t *testing.T) {
	lg := Component(nil, ComponentIngestion)
	require.NotNil(t, lg)
	lg.Info("must not panic")
}

func TestComponentNamesChild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	root, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	Component(root, ComponentVersioning).Info("named line")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"logger":"versioning"`)
}
