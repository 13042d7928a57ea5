// Package config loads pipeline configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/obswerk/calib-pipeline/internal/logging"
	"github.com/obswerk/calib-pipeline/internal/metrics"
	"github.com/obswerk/calib-pipeline/internal/store"
)

// Config is the full pipeline configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  store.Config   `yaml:"storage"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Logging  logging.Config `yaml:"logging"`
	Metrics  metrics.Config `yaml:"metrics"`
}

// PipelineConfig tunes clustering, resolution and the retry ledger.
type PipelineConfig struct {
	// Subdirectory names inside each night partition.
	RawSubdir        string `yaml:"raw_subdir"`
	CorrectionSubdir string `yaml:"correction_subdir"`
	ReducedSubdir    string `yaml:"reduced_subdir"`

	PendingLogPath string `yaml:"pending_log_path"`

	GapSeconds           int `yaml:"gap_seconds"`
	MaxDayOffset         int `yaml:"max_day_offset"`
	BiasMinClusterSize   int `yaml:"bias_min_cluster_size"`
	DarkExpTimeTolerance int `yaml:"dark_exptime_tolerance_s"`
}

// ArchiveConfig controls mirroring of raw telescope data into the store.
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	TelescopeRoot string `yaml:"telescope_root"`
	Compress      bool   `yaml:"compress"` // also write a zstd tarball
}

// CatalogConfig controls the per-night parquet manifest.
type CatalogConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			RawSubdir:            "Raw",
			CorrectionSubdir:     "Correction",
			ReducedSubdir:        "Reduced",
			PendingLogPath:       "pending_log.txt",
			GapSeconds:           3600,
			MaxDayOffset:         365,
			BiasMinClusterSize:   5,
			DarkExpTimeTolerance: 30,
		},
		Storage: store.Config{
			Backend:  "local",
			LocalDir: "./data",
		},
		Catalog: CatalogConfig{Enabled: true},
		Logging: logging.Config{Format: "text", Level: "info"},
		Metrics: metrics.Config{Enabled: false, Address: ":9090"},
	}
}

// Load reads a YAML configuration file on top of the defaults and then
// applies environment overrides. An empty path loads defaults plus
// environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.Backend = getenvDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalDir = getenvDefault("STORAGE_ROOT", c.Storage.LocalDir)
	c.Storage.GCSBucket = getenvDefault("STORAGE_GCS_BUCKET", c.Storage.GCSBucket)
	c.Storage.S3Bucket = getenvDefault("STORAGE_S3_BUCKET", c.Storage.S3Bucket)
	c.Storage.S3Endpoint = getenvDefault("STORAGE_S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.S3Region = getenvDefault("STORAGE_S3_REGION", c.Storage.S3Region)
	c.Storage.Prefix = getenvDefault("STORAGE_PREFIX", c.Storage.Prefix)

	c.Archive.TelescopeRoot = getenvDefault("TELESCOPE_ROOT", c.Archive.TelescopeRoot)
	c.Pipeline.PendingLogPath = getenvDefault("PENDING_LOG_PATH", c.Pipeline.PendingLogPath)
	c.Pipeline.MaxDayOffset = getenvInt("MAX_DAY_OFFSET", c.Pipeline.MaxDayOffset)
	c.Pipeline.GapSeconds = getenvInt("GAP_SECONDS", c.Pipeline.GapSeconds)

	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)
	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = v
	}
}

func (c *Config) validate() error {
	if c.Pipeline.GapSeconds <= 0 {
		return fmt.Errorf("gap_seconds must be positive, got %d", c.Pipeline.GapSeconds)
	}
	if c.Pipeline.MaxDayOffset <= 0 {
		return fmt.Errorf("max_day_offset must be positive, got %d", c.Pipeline.MaxDayOffset)
	}
	if c.Pipeline.BiasMinClusterSize < 1 {
		return fmt.Errorf("bias_min_cluster_size must be at least 1, got %d", c.Pipeline.BiasMinClusterSize)
	}
	if c.Archive.Enabled && c.Archive.TelescopeRoot == "" {
		return fmt.Errorf("archive enabled but telescope_root is empty")
	}
	return nil
}

// Layout builds the store layout from the configured subdirectory names.
func (c *Config) Layout() store.Layout {
	return store.Layout{
		RawSubdir:        c.Pipeline.RawSubdir,
		CorrectionSubdir: c.Pipeline.CorrectionSubdir,
		ReducedSubdir:    c.Pipeline.ReducedSubdir,
	}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
