// Package master builds master calibration frames from clusters of raw
// calibration exposures: per-pixel median stacks, with bias/dark subtraction
// and per-frame normalization for darks and flats.
package master

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/obswerk/calib-pipeline/internal/cluster"
	"github.com/obswerk/calib-pipeline/internal/fitskit"
	"github.com/obswerk/calib-pipeline/internal/frame"
)

// Frame categories, as embedded in master file names.
const (
	CategoryBias = "bias"
	CategoryDark = "dark"
	CategoryFlat = "flat"
)

// FlatEpsilon replaces zero-valued flat pixels so downstream division can
// never hit a zero divisor.
const FlatEpsilon = 1e-100

// DefaultExpTimeTolerance is the dark-cluster exposure-time spread above
// which dark-current scaling becomes questionable.
const DefaultExpTimeTolerance = 30 * time.Second

// IncompatibleBinningError reports a cluster member whose binning disagrees
// with the rest. It aborts that cluster's build but never the whole night.
type IncompatibleBinningError struct {
	Path string
	Got  string
	Want string
}

func (e *IncompatibleBinningError) Error() string {
	return fmt.Sprintf("%s: binning %s does not match cluster binning %s", e.Path, e.Got, e.Want)
}

// Frame is one derived master calibration frame plus its provenance.
// The timestamp is the acquisition time of the last source exposure; it
// defines the frame's age for nearest-in-time resolution.
type Frame struct {
	Category  string
	Binning   string
	Filter    string // flats only
	Timestamp time.Time
	Sources   []string
	Pix       *frame.Matrix
}

// Header builds the FITS header written alongside the master's pixels:
// its own timestamp plus the source-exposure list.
func (f *Frame) Header() *fitskit.Header {
	hdr := fitskit.NewHeader()
	hdr.Set(fitskit.KeyDateObs, fitskit.FormatTime(f.Timestamp), "time of last source exposure")
	hdr.Set(fitskit.KeyImageType, "Master "+f.Category, "")
	if f.Filter != "" && f.Filter != fitskit.Unknown {
		hdr.Set(fitskit.KeyFilter, f.Filter, "")
	}
	hdr.Set(fitskit.KeySourceCount, len(f.Sources), "number of source exposures")
	for i, src := range f.Sources {
		hdr.Set(fmt.Sprintf("%s%d", fitskit.KeySourcePrefix, i+1), src, "")
	}
	return hdr
}

// Builder constructs master frames. Tolerance bounds the exposure-time
// spread accepted silently inside a dark cluster.
type Builder struct {
	ExpTimeTolerance time.Duration
	Log              *slog.Logger
}

// NewBuilder returns a builder with default tolerance.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{ExpTimeTolerance: DefaultExpTimeTolerance, Log: log}
}

// checkBinning verifies all cluster members share one binning and returns it.
func checkBinning(c cluster.Cluster) (string, error) {
	if len(c) == 0 {
		return "", fmt.Errorf("empty cluster")
	}
	want := c[0].Binning
	for _, e := range c[1:] {
		if e.Binning != want {
			return "", &IncompatibleBinningError{Path: e.Path, Got: e.Binning, Want: want}
		}
	}
	return want, nil
}

func sources(c cluster.Cluster) []string {
	out := make([]string, len(c))
	for i, e := range c {
		out[i] = e.Path
	}
	return out
}

// BuildBias median-stacks a cluster of bias exposures. A single-member
// cluster degenerates to a copy of that member.
func (b *Builder) BuildBias(c cluster.Cluster) (*Frame, error) {
	binning, err := checkBinning(c)
	if err != nil {
		return nil, err
	}
	stack := make([]*frame.Matrix, 0, len(c))
	for _, e := range c {
		pix, err := e.Pixels()
		if err != nil {
			return nil, err
		}
		stack = append(stack, pix)
	}
	med, err := frame.MedianStack(stack)
	if err != nil {
		return nil, fmt.Errorf("stack bias cluster: %w", err)
	}
	return &Frame{
		Category:  CategoryBias,
		Binning:   binning,
		Timestamp: c.Timestamp(),
		Sources:   sources(c),
		Pix:       med,
	}, nil
}

// BuildDark subtracts bias from every member, median-stacks, and divides by
// the cluster's mean exposure time, yielding dark current per second.
func (b *Builder) BuildDark(c cluster.Cluster, bias *frame.Matrix) (*Frame, error) {
	binning, err := checkBinning(c)
	if err != nil {
		return nil, err
	}
	if spread := expTimeSpread(c); spread > b.ExpTimeTolerance.Seconds() {
		b.Log.Warn("dark cluster exposure times vary widely",
			"spread_s", spread,
			"tolerance_s", b.ExpTimeTolerance.Seconds(),
			"first", c[0].Path)
	}

	var meanExp float64
	stack := make([]*frame.Matrix, 0, len(c))
	for _, e := range c {
		pix, err := e.Pixels()
		if err != nil {
			return nil, err
		}
		m := pix.Clone()
		if err := m.Sub(bias); err != nil {
			return nil, fmt.Errorf("%s: subtract bias: %w", e.Path, err)
		}
		stack = append(stack, m)
		meanExp += e.ExpTime
	}
	meanExp /= float64(len(c))
	if meanExp == 0 {
		return nil, fmt.Errorf("dark cluster has zero mean exposure time")
	}

	med, err := frame.MedianStack(stack)
	if err != nil {
		return nil, fmt.Errorf("stack dark cluster: %w", err)
	}
	med.Scale(1 / meanExp)
	return &Frame{
		Category:  CategoryDark,
		Binning:   binning,
		Timestamp: c.Timestamp(),
		Sources:   sources(c),
		Pix:       med,
	}, nil
}

// BuildFlat subtracts bias and exposure-scaled dark from every member,
// normalizes each by its own median, median-stacks, and replaces zero pixels
// with a small epsilon.
func (b *Builder) BuildFlat(c cluster.Cluster, bias, dark *frame.Matrix) (*Frame, error) {
	binning, err := checkBinning(c)
	if err != nil {
		return nil, err
	}
	stack := make([]*frame.Matrix, 0, len(c))
	for _, e := range c {
		pix, err := e.Pixels()
		if err != nil {
			return nil, err
		}
		m := pix.Clone()
		if err := m.Sub(bias); err != nil {
			return nil, fmt.Errorf("%s: subtract bias: %w", e.Path, err)
		}
		if err := m.SubScaled(dark, e.ExpTime); err != nil {
			return nil, fmt.Errorf("%s: subtract dark: %w", e.Path, err)
		}
		med := m.Median()
		if med == 0 {
			return nil, fmt.Errorf("%s: flat has zero median after correction", e.Path)
		}
		m.Scale(1 / med)
		stack = append(stack, m)
	}
	med, err := frame.MedianStack(stack)
	if err != nil {
		return nil, fmt.Errorf("stack flat cluster: %w", err)
	}
	med.ReplaceZero(FlatEpsilon)
	return &Frame{
		Category:  CategoryFlat,
		Binning:   binning,
		Filter:    c[0].Filter,
		Timestamp: c.Timestamp(),
		Sources:   sources(c),
		Pix:       med,
	}, nil
}

func expTimeSpread(c cluster.Cluster) float64 {
	min, max := c[0].ExpTime, c[0].ExpTime
	for _, e := range c[1:] {
		if e.ExpTime < min {
			min = e.ExpTime
		}
		if e.ExpTime > max {
			max = e.ExpTime
		}
	}
	return max - min
}
