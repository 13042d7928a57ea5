// Package archive mirrors a night's raw exposures from the telescope tree
// into the calibration store, so reduction never depends on the telescope
// mount staying available. Optionally the night is also packed into one
// zstd-compressed tarball for cold storage.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/obswerk/calib-pipeline/internal/catalog"
	"github.com/obswerk/calib-pipeline/internal/fitskit"
	"github.com/obswerk/calib-pipeline/internal/partition"
	"github.com/obswerk/calib-pipeline/internal/store"
)

// TarballName is the cold-storage object written next to the Raw subdir.
const TarballName = "raw_backup.tar.zst"

// Mirror copies raw telescope data into the store.
type Mirror struct {
	Store         store.FrameStore
	Layout        store.Layout
	TelescopeRoot string
	Compress      bool
	Log           *slog.Logger
}

// NewMirror wires an archive mirror.
func NewMirror(st store.FrameStore, layout store.Layout, telescopeRoot string, compress bool, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{
		Store:         st,
		Layout:        layout,
		TelescopeRoot: telescopeRoot,
		Compress:      compress,
		Log:           log,
	}
}

// NightDir returns the telescope-side directory of one night.
func (m *Mirror) NightDir(night partition.Night) string {
	return filepath.Join(m.TelescopeRoot, night.String())
}

// MirrorNight copies every FITS file of the night into the store's Raw
// partition, byte for byte. Files already present with a matching checksum
// are skipped, so reruns are cheap; a corrupted or partial copy is replaced.
// Returns the number of files copied and their total size.
func (m *Mirror) MirrorNight(ctx context.Context, night partition.Night) (files int, bytesCopied int64, err error) {
	srcDir := m.NightDir(night)
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return 0, 0, fmt.Errorf("read telescope night %s: %w", srcDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !fitskit.IsFITSFile(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(srcDir, entry.Name()))
		if err != nil {
			return files, bytesCopied, fmt.Errorf("read raw %s: %w", entry.Name(), err)
		}
		key := path.Join(m.Layout.RawDir(night), entry.Name())
		ok, err := m.Store.Exists(ctx, key)
		if err != nil {
			return files, bytesCopied, err
		}
		if ok {
			stored, err := m.Store.Read(ctx, key)
			if err == nil && catalog.VerifyChecksum(stored, catalog.ComputeChecksum(data)) {
				continue
			}
			m.Log.Warn("stored copy differs from telescope copy, replacing", "key", key)
		}
		if err := m.Store.Write(ctx, key, data); err != nil {
			return files, bytesCopied, err
		}
		files++
		bytesCopied += int64(len(data))
	}
	m.Log.Info("mirrored raw night",
		"night", night.String(),
		"files", files,
		"size", humanize.Bytes(uint64(bytesCopied)))

	if m.Compress && files > 0 {
		if err := m.writeTarball(ctx, night); err != nil {
			return files, bytesCopied, err
		}
	}
	return files, bytesCopied, nil
}

// writeTarball packs the night's raw store partition into one zstd tarball.
func (m *Mirror) writeTarball(ctx context.Context, night partition.Night) error {
	keys, err := m.Store.List(ctx, m.Layout.RawDir(night))
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	zw, err := zstd.NewWriter(buf)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	for _, key := range keys {
		data, err := m.Store.Read(ctx, key)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name: key,
			Mode: 0644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar header %s: %w", key, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("tar write %s: %w", key, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}

	key := path.Join(night.String(), TarballName)
	if err := m.Store.Write(ctx, key, buf.Bytes()); err != nil {
		return err
	}
	m.Log.Info("wrote raw tarball", "key", key, "size", humanize.Bytes(uint64(buf.Len())))
	return nil
}
