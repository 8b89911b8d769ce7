// Package config loads engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chronolog-db/chronolog/pkg/logger"
	"github.com/chronolog-db/chronolog/pkg/telemetry"
)

// FlushDaemonConfig controls background write-back.
type FlushDaemonConfig struct {
	Enabled bool `yaml:"enabled"`
	// IntervalMillis is the time between sweeps over the dirty pages.
	IntervalMillis int `yaml:"interval_millis"`
	// PagesPerSecond caps write-back bandwidth. Zero or negative means
	// unlimited.
	PagesPerSecond float64 `yaml:"pages_per_second"`
}

// Interval returns the sweep interval as a duration.
func (c FlushDaemonConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMillis) * time.Millisecond
}

// IngestionConfig parameterizes the synthetic log generator.
type IngestionConfig struct {
	Count           int   `yaml:"count"`
	StartResourceID int64 `yaml:"start_resource_id"`
	// StepMillis is the synthetic time distance between consecutive records.
	StepMillis int `yaml:"step_millis"`
}

// Config is the top-level engine configuration.
type Config struct {
	// DBFile is the path of the single backing file.
	DBFile string `yaml:"db_file"`
	// PoolSize is the number of 4KiB frames the buffer pool holds.
	PoolSize int `yaml:"pool_size"`

	FlushDaemon FlushDaemonConfig `yaml:"flush_daemon"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Logging     logger.Config     `yaml:"logging"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DBFile:   "chronolog.db",
		PoolSize: 64,
		FlushDaemon: FlushDaemonConfig{
			Enabled:        false,
			IntervalMillis: 1000,
			PagesPerSecond: 256,
		},
		Ingestion: IngestionConfig{
			Count:           1000,
			StartResourceID: 1000,
			StepMillis:      100,
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "chronolog",
			PrometheusPort: 9464,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.PoolSize <= 0 {
		return cfg, fmt.Errorf("config %s: pool_size must be positive, got %d", path, cfg.PoolSize)
	}
	return cfg, nil
}
