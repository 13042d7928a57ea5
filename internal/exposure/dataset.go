package exposure

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/obswerk/calib-pipeline/internal/fitskit"
)

// MissingFramesError is raised at dataset-validation time, before any
// reduction begins, when a night directory cannot support processing at all.
type MissingFramesError struct {
	Dir  string
	What string
}

func (e *MissingFramesError) Error() string {
	return fmt.Sprintf("%s: no %s frames found", e.Dir, e.What)
}

// Dataset groups the exposures of one night directory by kind. Each scan
// re-reads the directory; results are deliberately not cached across runs
// since calibration frames may appear between invocations.
type Dataset struct {
	Dir    string
	All    []*Exposure
	Bias   []*Exposure
	Dark   []*Exposure
	Flat   []*Exposure
	Light  []*Exposure
	broken []string
}

// Scan reads every FITS file directly inside dir and classifies it.
// Unreadable files are skipped with a warning; they never abort the night.
func Scan(dir string) (*Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	ds := &Dataset{Dir: dir}
	for _, entry := range entries {
		if entry.IsDir() || !fitskit.IsFITSFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		exp, err := ReadFrom(path)
		if err != nil {
			slog.Warn("skipping unreadable exposure", "path", path, "error", err)
			ds.broken = append(ds.broken, path)
			continue
		}
		ds.All = append(ds.All, exp)
		switch exp.Kind {
		case KindBias:
			ds.Bias = append(ds.Bias, exp)
		case KindDark:
			ds.Dark = append(ds.Dark, exp)
		case KindFlat:
			ds.Flat = append(ds.Flat, exp)
		case KindLight:
			ds.Light = append(ds.Light, exp)
		}
	}

	sortByTime(ds.All)
	sortByTime(ds.Bias)
	sortByTime(ds.Dark)
	sortByTime(ds.Flat)
	sortByTime(ds.Light)
	return ds, nil
}

func sortByTime(exps []*Exposure) {
	sort.SliceStable(exps, func(i, j int) bool {
		return exps[i].Timestamp.Before(exps[j].Timestamp)
	})
}

// Validate checks that the night can be processed at all. A night with no
// light frames has nothing to reduce.
func (d *Dataset) Validate() error {
	if len(d.Light) == 0 {
		return &MissingFramesError{Dir: d.Dir, What: "light"}
	}
	return nil
}

// Binnings returns the unique binning descriptors of the given exposures,
// in first-seen order.
func Binnings(exps []*Exposure) []string {
	return uniqueBy(exps, func(e *Exposure) string { return e.Binning })
}

// Filters returns the unique filter names of the given exposures, in
// first-seen order.
func Filters(exps []*Exposure) []string {
	return uniqueBy(exps, func(e *Exposure) string { return e.Filter })
}

func uniqueBy(exps []*Exposure, key func(*Exposure) string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range exps {
		k := key(e)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// Select returns the exposures of one kind and binning, and, when filter is
// non-empty, of that filter.
func (d *Dataset) Select(kind Kind, binning, filter string) []*Exposure {
	var src []*Exposure
	switch kind {
	case KindBias:
		src = d.Bias
	case KindDark:
		src = d.Dark
	case KindFlat:
		src = d.Flat
	case KindLight:
		src = d.Light
	default:
		return nil
	}
	var out []*Exposure
	for _, e := range src {
		if e.Binning != binning {
			continue
		}
		if filter != "" && e.Filter != filter {
			continue
		}
		out = append(out, e)
	}
	return out
}
