// Package config holds the engine configuration and its YAML loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/xtcdb/pkg/logger"
	"github.com/sushant-115/xtcdb/pkg/telemetry"
)

// Config is the complete engine configuration.
type Config struct {
	// DataDir holds the containers, the log and the catalog.
	DataDir    string           `yaml:"data_dir"`
	Log        logger.Config    `yaml:"log"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Storage    StorageConfig    `yaml:"storage"`
	Buffer     BufferConfig     `yaml:"buffer"`
	WAL        WALConfig        `yaml:"wal"`
	Latch      LatchConfig      `yaml:"latch"`
	Sort       SortConfig       `yaml:"sort"`
	Tree       TreeConfig       `yaml:"tree"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Backup     BackupConfig     `yaml:"backup"`
}

// StorageConfig sizes new containers.
type StorageConfig struct {
	// BlockSize is the size of a block in bytes, including its 8 byte
	// owner header.
	BlockSize int `yaml:"block_size"`
	// InitialBlocks is the size of a new container in blocks.
	InitialBlocks int `yaml:"initial_blocks"`
	// Extent is the growth factor: a full container grows by
	// ceil(InitialBlocks*Extent) blocks.
	Extent   float64 `yaml:"extent"`
	DirectIO bool    `yaml:"direct_io"`
}

// BufferConfig configures the page cache.
type BufferConfig struct {
	// PoolSize is the number of frames per container.
	PoolSize           int           `yaml:"pool_size"`
	CleanerInterval    time.Duration `yaml:"cleaner_interval"`
	CleanerBytesPerSec int           `yaml:"cleaner_bytes_per_sec"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	SegmentSize   int64         `yaml:"segment_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// ArchiveDir receives log segments no longer needed for recovery.
	// Empty deletes them.
	ArchiveDir string `yaml:"archive_dir"`
}

// LatchConfig bounds latch waits.
type LatchConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// SortConfig configures the external sort used by bulk loads.
type SortConfig struct {
	MemoryBudget int    `yaml:"memory_budget"`
	BlockSize    int    `yaml:"block_size"`
	Compression  string `yaml:"compression"` // snappy, lz4 or none
	TempDir      string `yaml:"temp_dir"`
}

// TreeConfig configures the B-link trees.
type TreeConfig struct {
	MaxRestarts uint64 `yaml:"max_restarts"`
}

// CheckpointConfig configures the background checkpointer.
type CheckpointConfig struct {
	// Interval between checkpoints. Zero disables the checkpointer.
	Interval time.Duration `yaml:"interval"`
}

// BackupConfig configures online backups.
type BackupConfig struct {
	BytesPerSec int64 `yaml:"bytes_per_sec"` // 0 copies unthrottled
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir: "data",
		Log: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "xtcdb",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
		Storage: StorageConfig{
			BlockSize:     8192,
			InitialBlocks: 256,
			Extent:        1.0,
		},
		Buffer: BufferConfig{
			PoolSize:        1024,
			CleanerInterval: time.Second,
		},
		WAL: WALConfig{
			BufferSize:    256 << 10,
			SegmentSize:   16 << 20,
			FlushInterval: 10 * time.Millisecond,
		},
		Latch: LatchConfig{WaitTimeout: 30 * time.Second},
		Sort: SortConfig{
			MemoryBudget: 32 << 20,
			BlockSize:    64 << 10,
			Compression:  "snappy",
		},
		Tree:       TreeConfig{MaxRestarts: 16},
		Checkpoint: CheckpointConfig{Interval: 5 * time.Minute},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Storage.BlockSize < 512 || c.Storage.BlockSize&(c.Storage.BlockSize-1) != 0 {
		errs = append(errs, fmt.Errorf("storage.block_size %d must be a power of two of at least 512", c.Storage.BlockSize))
	}
	if c.Storage.BlockSize > 1<<16 {
		errs = append(errs, fmt.Errorf("storage.block_size %d exceeds 65536", c.Storage.BlockSize))
	}
	if c.Storage.InitialBlocks < 2 {
		errs = append(errs, fmt.Errorf("storage.initial_blocks %d must be at least 2", c.Storage.InitialBlocks))
	}
	if c.Storage.Extent <= 0 {
		errs = append(errs, fmt.Errorf("storage.extent %g must be positive", c.Storage.Extent))
	}
	if c.Buffer.PoolSize < 8 {
		errs = append(errs, fmt.Errorf("buffer.pool_size %d must be at least 8", c.Buffer.PoolSize))
	}
	if c.WAL.SegmentSize > 0 && c.WAL.SegmentSize < int64(c.WAL.BufferSize) {
		errs = append(errs, fmt.Errorf("wal.segment_size %d is smaller than wal.buffer_size %d", c.WAL.SegmentSize, c.WAL.BufferSize))
	}
	switch c.Sort.Compression {
	case "", "snappy", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("sort.compression %q is not one of snappy, lz4, none", c.Sort.Compression))
	}
	if c.Checkpoint.Interval < 0 {
		errs = append(errs, fmt.Errorf("checkpoint.interval %s is negative", c.Checkpoint.Interval))
	}
	return errors.Join(errs...)
}
