package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/epochkv"
	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/logging"
)

const sample = `
listen: "127.0.0.1:9000"
log_level: debug
storage:
  url: file:///var/lib/epochkv
flush:
  interval: 250ms
compaction:
  workers: 4
  queue_size: 32
  interval: 10s
gc:
  safety_margin: 5m
table:
  block_size: 16KiB
  bloom_bits_per_key: 12
default_group:
  level_size_base: 256MiB
  level_size_multiplier: 8
  l0_file_trigger: 6
  target_file_size: 32MB
  compression: zstd
retry:
  max_retries: 9
  initial_interval: 10ms
manifest:
  checkpoint_interval: 128
read:
  parallelism: 16
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.ListenAddr())
	lvl, err := c.Level()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lvl)

	o, err := c.Options()
	require.NoError(t, err)
	def := epochkv.DefaultOptions()

	assert.Equal(t, "file:///var/lib/epochkv", o.URL)
	assert.Equal(t, 250*time.Millisecond, o.FlushInterval)
	assert.Equal(t, 4, o.CompactionWorkers)
	assert.Equal(t, 32, o.CompactionQueueSize)
	assert.Equal(t, 10*time.Second, o.CompactionInterval)
	assert.Equal(t, def.MaxConflictRetries, o.MaxConflictRetries)
	assert.Equal(t, def.GCInterval, o.GCInterval)
	assert.Equal(t, 5*time.Minute, o.GCSafetyMargin)
	assert.Equal(t, 16<<10, o.BlockSize)
	assert.Equal(t, 12, o.BloomFilterBitsPerKey)
	assert.Equal(t, uint64(256<<20), o.DefaultGroup.LevelSizeBase)
	assert.Equal(t, uint64(8), o.DefaultGroup.LevelSizeMultiplier)
	assert.Equal(t, def.DefaultGroup.LevelCount, o.DefaultGroup.LevelCount)
	assert.Equal(t, 6, o.DefaultGroup.L0FileTrigger)
	assert.Equal(t, uint64(32_000_000), o.DefaultGroup.TargetFileSize)
	assert.Equal(t, compression.ZstdCompression, o.DefaultGroup.Compression)
	assert.Equal(t, uint64(9), o.Retry.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, o.Retry.InitialInterval)
	assert.Equal(t, def.Retry.MaxInterval, o.Retry.MaxInterval)
	assert.Equal(t, 128, o.CheckpointInterval)
	assert.Equal(t, 16, o.ReadParallelism)
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, c.ListenAddr())

	o, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, epochkv.DefaultOptions(), o)
}

func TestParseErrors(t *testing.T) {
	for name, in := range map[string]string{
		"unknown key":    "flush:\n  period: 1s\n",
		"bad duration":   "flush:\n  interval: soon\n",
		"bad size":       "table:\n  block_size: lots\n",
		"non-scalar":     "gc:\n  interval: [1s]\n",
		"not a document": "listen: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestOptionsErrors(t *testing.T) {
	c, err := Parse([]byte("default_group:\n  compression: brotli\n"))
	require.NoError(t, err)
	_, err = c.Options()
	assert.Error(t, err)

	c, err = Parse([]byte("default_group:\n  level_size_multiplier: 1\n"))
	require.NoError(t, err)
	_, err = c.Options()
	assert.ErrorIs(t, err, epochkv.ErrInvalidOptions)

	c, err = Parse([]byte("log_level: loud\n"))
	require.NoError(t, err)
	_, err = c.Level()
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  url: memory\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	o, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, "memory", o.URL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
