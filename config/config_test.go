package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xtcdb.yaml")
	data := `
data_dir: /var/lib/xtcdb
log:
  level: debug
storage:
  block_size: 4096
  direct_io: true
wal:
  flush_interval: 25ms
sort:
  compression: lz4
checkpoint:
  interval: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/xtcdb", cfg.DataDir)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "console", cfg.Log.Format, "unset fields keep their defaults")
	require.Equal(t, 4096, cfg.Storage.BlockSize)
	require.True(t, cfg.Storage.DirectIO)
	require.Equal(t, 256, cfg.Storage.InitialBlocks)
	require.Equal(t, 25*time.Millisecond, cfg.WAL.FlushInterval)
	require.Equal(t, "lz4", cfg.Sort.Compression)
	require.Equal(t, time.Minute, cfg.Checkpoint.Interval)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("storage: [1, 2"), 0o644))
	_, err = Load(bad)
	require.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("storage:\n  block_size: 1000\n"), 0o644))
	_, err = Load(invalid)
	require.ErrorContains(t, err, "block_size")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"small block", func(c *Config) { c.Storage.BlockSize = 256 }, "block_size"},
		{"huge block", func(c *Config) { c.Storage.BlockSize = 1 << 17 }, "65536"},
		{"tiny container", func(c *Config) { c.Storage.InitialBlocks = 1 }, "initial_blocks"},
		{"zero extent", func(c *Config) { c.Storage.Extent = 0 }, "extent"},
		{"tiny pool", func(c *Config) { c.Buffer.PoolSize = 2 }, "pool_size"},
		{"segment below buffer", func(c *Config) { c.WAL.SegmentSize = 1024 }, "segment_size"},
		{"unknown compression", func(c *Config) { c.Sort.Compression = "zstd" }, "compression"},
		{"negative interval", func(c *Config) { c.Checkpoint.Interval = -time.Second }, "interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}
