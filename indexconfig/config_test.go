package indexconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "index.yaml")
	require.NoError(t, os.WriteFile(p, []byte("debug: true\ncache_size: 16\nlow_memory:\n  threshold: 75\n  interval: 2s\n"), 0o644))

	c, err := Load(p)
	require.NoError(t, err)
	require.True(t, c.Debug)
	require.False(t, c.CheckSerialization)
	require.Equal(t, 16, c.CacheSize)
	require.Equal(t, 75.0, c.LowMemory.Threshold)
	require.Equal(t, 2*time.Second, c.LowMemory.Interval)
}

func TestLoadJSONKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "index.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"check_serialization": true}`), 0o644))

	c, err := Load(p)
	require.NoError(t, err)
	require.True(t, c.CheckSerialization)
	require.Equal(t, DefaultCacheSize, c.CacheSize)
	require.Equal(t, DefaultLowMemoryThreshold, c.LowMemory.Threshold)
	require.Equal(t, DefaultLowMemoryInterval, c.LowMemory.Interval)
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "index.toml"))
	require.Error(t, err)

	p := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(p, []byte("cache_size: -3\n"), 0o644))
	_, err = Load(p)
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWithDefaults(t *testing.T) {
	c := Config{}.WithDefaults()
	require.Equal(t, DefaultCacheSize, c.CacheSize)
	require.NoError(t, c.Validate())
	require.True(t, DebugConfig().Debug)
	require.True(t, DebugConfig().CheckSerialization)
}
