// Package config loads the YAML configuration of the epochd daemon.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/aalhour/epochkv"
	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/logging"
)

// Duration is a time.Duration written as "1s", "500ms" and so on.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: line %d: duration must be a scalar", n.Line)
	}
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Size is a byte count written as "64MiB", "4KB" or a plain number.
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: line %d: size must be a scalar", n.Line)
	}
	v, err := humanize.ParseBytes(n.Value)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", n.Line, err)
	}
	*s = Size(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil
}

// Config is the daemon configuration. Nil fields keep the engine defaults.
type Config struct {
	Listen   *string `yaml:"listen,omitempty"`
	LogLevel *string `yaml:"log_level,omitempty"`

	Storage      StorageConfig    `yaml:"storage"`
	Flush        FlushConfig      `yaml:"flush"`
	Compaction   CompactionConfig `yaml:"compaction"`
	GC           GCConfig         `yaml:"gc"`
	Table        TableConfig      `yaml:"table"`
	DefaultGroup GroupConfig      `yaml:"default_group"`
	Retry        RetryConfig      `yaml:"retry"`
	Manifest     ManifestConfig   `yaml:"manifest"`
	Read         ReadConfig       `yaml:"read"`
}

type StorageConfig struct {
	URL *string `yaml:"url,omitempty"`
}

type FlushConfig struct {
	Interval *Duration `yaml:"interval,omitempty"`
}

type CompactionConfig struct {
	Disable            *bool     `yaml:"disable,omitempty"`
	Workers            *int      `yaml:"workers,omitempty"`
	QueueSize          *int      `yaml:"queue_size,omitempty"`
	Interval           *Duration `yaml:"interval,omitempty"`
	MaxConflictRetries *int      `yaml:"max_conflict_retries,omitempty"`
}

type GCConfig struct {
	Interval     *Duration `yaml:"interval,omitempty"`
	SafetyMargin *Duration `yaml:"safety_margin,omitempty"`
}

type TableConfig struct {
	BlockSize         *Size `yaml:"block_size,omitempty"`
	BloomBitsPerKey   *int  `yaml:"bloom_bits_per_key,omitempty"`
	BlockCacheEntries *int  `yaml:"block_cache_entries,omitempty"`
	MetaCacheEntries  *int  `yaml:"meta_cache_entries,omitempty"`
}

type GroupConfig struct {
	LevelSizeBase       *Size   `yaml:"level_size_base,omitempty"`
	LevelSizeMultiplier *uint64 `yaml:"level_size_multiplier,omitempty"`
	LevelCount          *int    `yaml:"level_count,omitempty"`
	L0FileTrigger       *int    `yaml:"l0_file_trigger,omitempty"`
	TargetFileSize      *Size   `yaml:"target_file_size,omitempty"`
	Compression         *string `yaml:"compression,omitempty"`
}

type RetryConfig struct {
	MaxRetries      *uint64   `yaml:"max_retries,omitempty"`
	InitialInterval *Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     *Duration `yaml:"max_interval,omitempty"`
}

type ManifestConfig struct {
	CheckpointInterval *int `yaml:"checkpoint_interval,omitempty"`
}

type ReadConfig struct {
	Parallelism *int `yaml:"parallelism,omitempty"`
}

// DefaultListen is the control API address used when listen is unset.
const DefaultListen = ":7070"

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// ListenAddr returns the control API address.
func (c *Config) ListenAddr() string {
	if c.Listen == nil {
		return DefaultListen
	}
	return *c.Listen
}

// Level returns the configured log level.
func (c *Config) Level() (logging.Level, error) {
	if c.LogLevel == nil {
		return logging.LevelInfo, nil
	}
	return logging.ParseLevel(*c.LogLevel)
}

// Options applies the configuration on top of epochkv.DefaultOptions.
func (c *Config) Options() (*epochkv.Options, error) {
	o := epochkv.DefaultOptions()
	setString(&o.URL, c.Storage.URL)

	setDuration(&o.FlushInterval, c.Flush.Interval)

	setBool(&o.DisableAutoCompactions, c.Compaction.Disable)
	setInt(&o.CompactionWorkers, c.Compaction.Workers)
	setInt(&o.CompactionQueueSize, c.Compaction.QueueSize)
	setDuration(&o.CompactionInterval, c.Compaction.Interval)
	setInt(&o.MaxConflictRetries, c.Compaction.MaxConflictRetries)

	setDuration(&o.GCInterval, c.GC.Interval)
	setDuration(&o.GCSafetyMargin, c.GC.SafetyMargin)

	if c.Table.BlockSize != nil {
		o.BlockSize = int(*c.Table.BlockSize)
	}
	setInt(&o.BloomFilterBitsPerKey, c.Table.BloomBitsPerKey)
	setInt(&o.BlockCacheEntries, c.Table.BlockCacheEntries)
	setInt(&o.MetaCacheEntries, c.Table.MetaCacheEntries)

	g := &o.DefaultGroup
	if c.DefaultGroup.LevelSizeBase != nil {
		g.LevelSizeBase = uint64(*c.DefaultGroup.LevelSizeBase)
	}
	if c.DefaultGroup.LevelSizeMultiplier != nil {
		g.LevelSizeMultiplier = *c.DefaultGroup.LevelSizeMultiplier
	}
	setInt(&g.LevelCount, c.DefaultGroup.LevelCount)
	setInt(&g.L0FileTrigger, c.DefaultGroup.L0FileTrigger)
	if c.DefaultGroup.TargetFileSize != nil {
		g.TargetFileSize = uint64(*c.DefaultGroup.TargetFileSize)
	}
	if c.DefaultGroup.Compression != nil {
		t, err := compression.ParseType(*c.DefaultGroup.Compression)
		if err != nil {
			return nil, fmt.Errorf("config: default_group.compression: %w", err)
		}
		g.Compression = t
	}

	if c.Retry.MaxRetries != nil {
		o.Retry.MaxRetries = *c.Retry.MaxRetries
	}
	setDuration(&o.Retry.InitialInterval, c.Retry.InitialInterval)
	setDuration(&o.Retry.MaxInterval, c.Retry.MaxInterval)

	setInt(&o.CheckpointInterval, c.Manifest.CheckpointInterval)
	setInt(&o.ReadParallelism, c.Read.Parallelism)

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *Duration) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}
