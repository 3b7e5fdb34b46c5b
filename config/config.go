// Package config loads the bioctl configuration file.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wangdi7670/MIT6.1810/common"
	"github.com/wangdi7670/MIT6.1810/logger"
	"github.com/wangdi7670/MIT6.1810/super"
	"github.com/wangdi7670/MIT6.1810/wal"
)

type DiskConfig struct {
	Path   string `yaml:"path"`
	Blocks uint64 `yaml:"blocks"`
}

type CacheConfig struct {
	Buckets    uint64 `yaml:"buckets"`
	BucketSize uint64 `yaml:"bucket_size"`
}

type LogConfig struct {
	// NLog is the log length in blocks, header included.
	NLog        uint64 `yaml:"nlog"`
	MaxOpBlocks uint64 `yaml:"max_op_blocks"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics; empty disables it.
	Listen string `yaml:"listen"`
}

type Config struct {
	Disk    DiskConfig    `yaml:"disk"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Logger  logger.Config `yaml:"logger"`
	Metrics MetricsConfig `yaml:"metrics"`
}

func Default() *Config {
	return &Config{
		Disk: DiskConfig{Path: "fs.img", Blocks: 2000},
		Cache: CacheConfig{
			Buckets:    common.NBUCKET,
			BucketSize: common.BUCKETSZ,
		},
		Log: LogConfig{
			NLog:        common.LOGSIZE + 1,
			MaxOpBlocks: common.MAXOPBLOCKS,
		},
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
	}
}

// Load reads path over the defaults, so a file only names what it changes.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LogCapacity is the most blocks one transaction can hold.
func (cfg *Config) LogCapacity() uint64 {
	return wal.LogCapacity(cfg.Log.NLog)
}

func (cfg *Config) Validate() error {
	if cfg.Cache.Buckets == 0 || cfg.Cache.BucketSize == 0 {
		return errors.New("cache: buckets and bucket_size must be positive")
	}
	if cfg.Log.NLog < 2 {
		return fmt.Errorf("log: nlog %d leaves no slots", cfg.Log.NLog)
	}
	capacity := cfg.LogCapacity()
	if cfg.Log.MaxOpBlocks == 0 || cfg.Log.MaxOpBlocks > capacity {
		return fmt.Errorf("log: max_op_blocks %d must be in [1, %d]",
			cfg.Log.MaxOpBlocks, capacity)
	}
	nbuf := cfg.Cache.Buckets * cfg.Cache.BucketSize
	if err := wal.CheckBuffers(nbuf, capacity); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := super.MkFsSuper(cfg.Disk.Blocks, cfg.Log.NLog).Check(); err != nil {
		return fmt.Errorf("disk: %w", err)
	}
	return nil
}
