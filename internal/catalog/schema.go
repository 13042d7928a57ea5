// Package catalog exports a queryable parquet manifest of each processed
// night: one row per raw exposure and per derived product, with provenance
// and content checksums.
package catalog

import (
	"time"
)

// Row roles.
const (
	RoleRaw     = "raw"
	RoleMaster  = "master"
	RoleReduced = "reduced"
)

// ExposureRow represents a single catalogued file of one night.
type ExposureRow struct {
	// Identity
	Night string `parquet:"night"` // YYMMDD partition
	Role  string `parquet:"role"`  // raw | master | reduced
	Path  string `parquet:"path"`  // store key or source path

	// Acquisition fields
	Kind           string    `parquet:"kind"` // bias | dark | flat | light
	Binning        string    `parquet:"binning"`
	Filter         string    `parquet:"filter"`
	ExpTimeSeconds float64   `parquet:"exptime_seconds"`
	Timestamp      time.Time `parquet:"timestamp,timestamp(millisecond)"`

	// Calibration provenance (reduced rows only; 0 otherwise)
	BiasOffsetDays int32 `parquet:"bias_offset_days"`
	DarkOffsetDays int32 `parquet:"dark_offset_days"`
	FlatOffsetDays int32 `parquet:"flat_offset_days"`

	// Content verification
	SHA256   string `parquet:"sha256"` // "sha256:<hex>" of file bytes
	ByteSize int64  `parquet:"byte_size"`

	// Run metadata
	RunID      string    `parquet:"run_id"`
	IngestedAt time.Time `parquet:"ingested_at,timestamp(millisecond)"`
}

// TableName returns the canonical table name.
func (ExposureRow) TableName() string {
	return "night_exposures"
}

// SchemaVersion is the version of the catalog schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"
