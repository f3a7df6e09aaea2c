// Package config loads the YAML configuration shared by the CLI, the engine
// session and the cache control service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure
type Config struct {
	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
		QueueSize   int           `yaml:"queue_size"`
	} `yaml:"worker"`

	Launch struct {
		DefaultBlockSize int   `yaml:"default_block_size"`
		GridSizes        []int `yaml:"grid_sizes"`
		BlockSizes       []int `yaml:"block_sizes"`
	} `yaml:"launch"`

	Device struct {
		MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`
	} `yaml:"device"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Control struct {
		Listen string        `yaml:"listen"`
		Peers  []string      `yaml:"peers"`
		Dial   time.Duration `yaml:"dial_timeout"`
	} `yaml:"control"`

	Manifest struct {
		Path string `yaml:"path"`
	} `yaml:"manifest"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Worker.WorkerCount = 4
	cfg.Worker.TaskTimeout = 30 * time.Second
	cfg.Worker.QueueSize = 64
	cfg.Launch.DefaultBlockSize = 256
	cfg.Metrics.Port = 9090
	cfg.Control.Listen = "127.0.0.1:50061"
	cfg.Control.Dial = 5 * time.Second
	cfg.Manifest.Path = "data/device-cache.json"
	return cfg
}

// Load reads path over Default. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Worker.WorkerCount < 1 {
		return fmt.Errorf("%w: worker.worker_count must be positive, got %d", ErrInvalidConfig, c.Worker.WorkerCount)
	}
	if c.Worker.TaskTimeout < 0 {
		return fmt.Errorf("%w: worker.task_timeout is negative", ErrInvalidConfig)
	}
	if c.Launch.DefaultBlockSize < 0 {
		return fmt.Errorf("%w: launch.default_block_size is negative", ErrInvalidConfig)
	}
	for i, v := range append(append([]int(nil), c.Launch.GridSizes...), c.Launch.BlockSizes...) {
		if v < 0 {
			return fmt.Errorf("%w: launch override %d is negative", ErrInvalidConfig, i)
		}
	}
	if c.Device.MemoryLimitBytes < 0 {
		return fmt.Errorf("%w: device.memory_limit_bytes is negative", ErrInvalidConfig)
	}
	return nil
}
