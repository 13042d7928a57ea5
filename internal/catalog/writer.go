package catalog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/parquet-go/parquet-go"

	"github.com/obswerk/calib-pipeline/internal/partition"
	"github.com/obswerk/calib-pipeline/internal/store"
)

// FileName is the manifest object written into each night partition.
const FileName = "night_catalog.parquet"

// Writer accumulates rows for one night and exports them as a parquet file
// into the night's partition.
type Writer struct {
	Store store.FrameStore
	Log   *slog.Logger

	rows []ExposureRow
}

// NewWriter returns a catalog writer backed by the given store.
func NewWriter(st store.FrameStore, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{Store: st, Log: log}
}

// Add queues one row for the next Export.
func (w *Writer) Add(row ExposureRow) {
	w.rows = append(w.rows, row)
}

// Len returns the number of queued rows.
func (w *Writer) Len() int {
	return len(w.rows)
}

// Export encodes the queued rows and writes the manifest into the night
// partition, replacing any previous manifest for that night.
func (w *Writer) Export(ctx context.Context, night partition.Night) error {
	if len(w.rows) == 0 {
		return nil
	}
	buf := new(bytes.Buffer)
	pw := parquet.NewGenericWriter[ExposureRow](buf)
	if _, err := pw.Write(w.rows); err != nil {
		pw.Close()
		return fmt.Errorf("encode catalog rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("finalize catalog: %w", err)
	}

	key := path.Join(night.String(), FileName)
	if err := w.Store.Write(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("write catalog %s: %w", key, err)
	}
	w.Log.Info("exported night catalog",
		"key", key,
		"rows", len(w.rows),
		"size", humanize.Bytes(uint64(buf.Len())))
	w.rows = w.rows[:0]
	return nil
}

// ReadAll parses a previously exported manifest.
func ReadAll(ctx context.Context, st store.FrameStore, night partition.Night) ([]ExposureRow, error) {
	key := path.Join(night.String(), FileName)
	data, err := st.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	rows, err := parquet.Read[ExposureRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", key, err)
	}
	return rows, nil
}
