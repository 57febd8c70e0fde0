package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/rowstore"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectra.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9090

[storage]
data_dir = "/var/lib/vectra"
compression = "lz4"
sync = "async"

[vector]
m = 32
metric = "l2"
auto_index = true

[query]
timeout = "5s"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/var/lib/vectra", cfg.Storage.DataDir)
	assert.Equal(t, 32, cfg.Vector.M)
	assert.Equal(t, 5*time.Second, cfg.Query.Timeout)

	ec, err := cfg.Engine()
	require.NoError(t, err)
	assert.Equal(t, distance.MetricL2, ec.Metric)
	assert.Equal(t, "l2", ec.Index.Metric)
	assert.Equal(t, 32, ec.Index.M)
	assert.Equal(t, rowstore.CompressionLZ4, ec.Compression)
	assert.False(t, ec.SyncWrites)
	assert.True(t, ec.AutoIndex)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VECTRA_SERVER_PORT", "7000")
	t.Setenv("VECTRA_DATA_DIR", "/tmp/vectra")
	t.Setenv("VECTRA_LOGGING_FORMAT", "text")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/tmp/vectra", cfg.Storage.DataDir)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Server.Port = 0
	cfg.Vector.Metric = "hamming"
	cfg.Storage.Sync = "sometimes"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
	assert.Contains(t, err.Error(), "storage.sync")

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
