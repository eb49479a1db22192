// Package config loads the YAML configuration of the aplustree tools.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jdliaw/aplustree/core/indexing/btree"
	pagemanager "github.com/jdliaw/aplustree/core/write_engine/page_manager"
	"github.com/jdliaw/aplustree/pkg/logger"
	"github.com/jdliaw/aplustree/pkg/telemetry"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// DataDir holds the <table>.tbl and <table>.idx files.
	DataDir string `yaml:"data_dir"`
	// PageSize applies to files created from now on; existing files must match it.
	PageSize int `yaml:"page_size"`
	// MaxKeys caps the node capacity of new indexes. Zero means what a page holds.
	MaxKeys int `yaml:"max_keys"`
	// LoadRateLimit caps LOAD throughput in rows per second. Zero disables it.
	LoadRateLimit float64 `yaml:"load_rate_limit"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:  ".",
		PageSize: pagemanager.DefaultPageSize,
		Logger: logger.Config{
			Level:      "warn",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      logger.ServiceName,
			TraceSampleRatio: 1,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalidConfig)
	}
	if c.PageSize < pagemanager.MinPageSize {
		return fmt.Errorf("%w: page_size %d is below %d", ErrInvalidConfig, c.PageSize, pagemanager.MinPageSize)
	}
	if limit := btree.MaxNodeKeys(c.PageSize); c.MaxKeys != 0 && (c.MaxKeys < 3 || c.MaxKeys > limit) {
		return fmt.Errorf("%w: max_keys %d outside [3, %d] for page size %d", ErrInvalidConfig, c.MaxKeys, limit, c.PageSize)
	}
	if c.LoadRateLimit < 0 {
		return fmt.Errorf("%w: load_rate_limit is negative", ErrInvalidConfig)
	}
	return nil
}
