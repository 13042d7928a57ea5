// Package store abstracts the calibration store: the date-partitioned tree
// holding raw, master-correction and reduced frames. Backends cover the
// local filesystem and object buckets (GCS, S3-compatible).
package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/obswerk/calib-pipeline/internal/partition"
)

// ErrNotExist is returned by Read for a missing key.
var ErrNotExist = errors.New("object does not exist")

// FrameStore is the storage surface the pipeline writes products to and the
// resolver searches. Keys are slash-separated, relative to the store root:
// "<YYMMDD>/<subdir>/<name>".
type FrameStore interface {
	// List returns the keys of all objects directly under prefix.
	// A missing partition directory yields an empty list, not an error.
	List(ctx context.Context, prefix string) ([]string, error)

	// Read returns the full contents of one object.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores an object, atomically where the backend allows.
	Write(ctx context.Context, key string, data []byte) error

	// Exists checks for an object without reading it.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for a key (file://, gs://, s3://).
	URI(key string) string

	// Close releases backend resources.
	Close() error
}

// Layout names the subdirectories inside each night partition.
type Layout struct {
	RawSubdir        string
	CorrectionSubdir string
	ReducedSubdir    string
}

// DefaultLayout matches the historical on-disk convention.
func DefaultLayout() Layout {
	return Layout{
		RawSubdir:        "Raw",
		CorrectionSubdir: "Correction",
		ReducedSubdir:    "Reduced",
	}
}

// CorrectionDir returns the master-frame prefix of one night partition.
func (l Layout) CorrectionDir(night partition.Night) string {
	return path.Join(night.String(), l.CorrectionSubdir)
}

// ReducedDir returns the reduced-output prefix of one night partition.
func (l Layout) ReducedDir(night partition.Night) string {
	return path.Join(night.String(), l.ReducedSubdir)
}

// RawDir returns the raw-frame prefix of one night partition.
func (l Layout) RawDir(night partition.Night) string {
	return path.Join(night.String(), l.RawSubdir)
}

// MasterName builds the conventional master frame file name:
// master_<category><binning>[<filter>]C<index+1>.fits. The resolver depends
// on substring matching against these names.
func MasterName(category, binning, filter string, index int) string {
	return fmt.Sprintf("master_%s%s%sC%d.fits", category, binning, filter, index+1)
}

// MasterIndex recovers the zero-based cluster index from a master frame file
// name built by MasterName.
func MasterIndex(name string) (int, error) {
	base := strings.TrimSuffix(path.Base(name), ".fits")
	i := strings.LastIndexByte(base, 'C')
	if i < 0 || i == len(base)-1 {
		return 0, fmt.Errorf("no cluster index in master name %q", name)
	}
	n, err := strconv.Atoi(base[i+1:])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("bad cluster index in master name %q", name)
	}
	return n - 1, nil
}

// NightOfKey extracts the partition from a store key.
func NightOfKey(key string) (partition.Night, error) {
	first := key
	if i := strings.IndexByte(key, '/'); i >= 0 {
		first = key[:i]
	}
	return partition.Parse(first)
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS
	GCSBucket string `yaml:"gcs_bucket"`

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`

	// Common key prefix within the bucket or local dir.
	Prefix string `yaml:"prefix"`
}

// New creates a frame store from configuration.
func New(cfg Config) (FrameStore, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs_bucket required for gcs backend")
		}
		return NewBucketStore(fmt.Sprintf("gs://%s", cfg.GCSBucket), cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3_bucket required for s3 backend")
		}
		return NewS3Store(cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
