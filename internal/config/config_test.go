package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
	if cfg.Pipeline.GapSeconds != 3600 {
		t.Errorf("expected default gap 3600, got %d", cfg.Pipeline.GapSeconds)
	}
	if cfg.Pipeline.MaxDayOffset != 365 {
		t.Errorf("expected default horizon 365, got %d", cfg.Pipeline.MaxDayOffset)
	}
	if cfg.Pipeline.BiasMinClusterSize != 5 {
		t.Errorf("expected default bias cluster minimum 5, got %d", cfg.Pipeline.BiasMinClusterSize)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
pipeline:
  gap_seconds: 1800
  max_day_offset: 30
  pending_log_path: /var/lib/calib/pending.txt
storage:
  backend: local
  local_dir: /data/calib
logging:
  format: json
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pipeline.GapSeconds != 1800 {
		t.Errorf("gap_seconds not applied: %d", cfg.Pipeline.GapSeconds)
	}
	if cfg.Pipeline.MaxDayOffset != 30 {
		t.Errorf("max_day_offset not applied: %d", cfg.Pipeline.MaxDayOffset)
	}
	if cfg.Pipeline.PendingLogPath != "/var/lib/calib/pending.txt" {
		t.Errorf("pending_log_path not applied: %s", cfg.Pipeline.PendingLogPath)
	}
	if cfg.Storage.LocalDir != "/data/calib" {
		t.Errorf("local_dir not applied: %s", cfg.Storage.LocalDir)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging format not applied: %s", cfg.Logging.Format)
	}
	// Untouched fields keep their defaults.
	if cfg.Pipeline.BiasMinClusterSize != 5 {
		t.Errorf("default lost: %d", cfg.Pipeline.BiasMinClusterSize)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("STORAGE_ROOT", "/mnt/elsewhere")
	t.Setenv("MAX_DAY_OFFSET", "10")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.LocalDir != "/mnt/elsewhere" {
		t.Errorf("STORAGE_ROOT not applied: %s", cfg.Storage.LocalDir)
	}
	if cfg.Pipeline.MaxDayOffset != 10 {
		t.Errorf("MAX_DAY_OFFSET not applied: %d", cfg.Pipeline.MaxDayOffset)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("pipeline:\n  gap_seconds: -5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("negative gap_seconds must be rejected")
	}
}

func TestLoad_ArchiveNeedsTelescopeRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("archive:\n  enabled: true\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("archive without telescope_root must be rejected")
	}
}

func TestLayout_FromConfig(t *testing.T) {
	cfg := Default()
	l := cfg.Layout()
	if l.RawSubdir != "Raw" || l.CorrectionSubdir != "Correction" || l.ReducedSubdir != "Reduced" {
		t.Errorf("unexpected layout: %+v", l)
	}
}
