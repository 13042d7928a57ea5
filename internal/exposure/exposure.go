// Package exposure models single raw telescope exposures and the grouped
// contents of one observing night's directory.
package exposure

import (
	"fmt"
	"strings"
	"time"

	"github.com/obswerk/calib-pipeline/internal/fitskit"
	"github.com/obswerk/calib-pipeline/internal/frame"
)

// Kind classifies an exposure by its IMAGETYP header.
type Kind int

const (
	KindUnknown Kind = iota
	KindBias
	KindDark
	KindFlat
	KindLight
)

// String returns the canonical kind name.
func (k Kind) String() string {
	switch k {
	case KindBias:
		return "bias"
	case KindDark:
		return "dark"
	case KindFlat:
		return "flat"
	case KindLight:
		return "light"
	}
	return "unknown"
}

// KindOf maps an IMAGETYP value to a Kind by substring, matching the
// telescope's "Bias Frame" / "Dark Frame" / "Flat Field" / "Light Frame"
// vocabulary.
func KindOf(imageType string) Kind {
	switch {
	case strings.Contains(imageType, "Bias"):
		return KindBias
	case strings.Contains(imageType, "Dark"):
		return KindDark
	case strings.Contains(imageType, "Flat"):
		return KindFlat
	case strings.Contains(imageType, "Light"):
		return KindLight
	}
	return KindUnknown
}

// Exposure is one raw on-disk image. The record is immutable; pixel data is
// loaded on first access and cached for the lifetime of the value.
type Exposure struct {
	Path      string
	Kind      Kind
	ExpTime   float64 // seconds
	Filter    string  // "?" when the keyword is absent
	Binning   string  // e.g. "2x2"
	Timestamp time.Time

	pix *frame.Matrix
}

// FromHeader builds an Exposure record from a file path and its parsed
// header. Absent keywords degrade to zero values or "?", never errors.
func FromHeader(path string, hdr *fitskit.Header) *Exposure {
	e := &Exposure{
		Path:   path,
		Kind:   KindOf(hdr.Str(fitskit.KeyImageType)),
		Filter: hdr.Str(fitskit.KeyFilter),
	}
	if v, ok := hdr.Float(fitskit.KeyExpTime); ok {
		e.ExpTime = v
	}
	e.Binning = BinningOf(hdr)
	if t, ok := hdr.Time(fitskit.KeyDateObs); ok {
		e.Timestamp = t
	}
	return e
}

// BinningOf composes the "NxN" binning descriptor from the XBINNING and
// YBINNING keywords, or "?" when either is missing.
func BinningOf(hdr *fitskit.Header) string {
	x, okx := hdr.Int(fitskit.KeyXBinning)
	y, oky := hdr.Int(fitskit.KeyYBinning)
	if !okx || !oky {
		return fitskit.Unknown
	}
	return fmt.Sprintf("%dx%d", x, y)
}

// Pixels loads (once) and returns the exposure's pixel matrix.
func (e *Exposure) Pixels() (*frame.Matrix, error) {
	if e.pix != nil {
		return e.pix, nil
	}
	m, _, err := fitskit.Read(e.Path)
	if err != nil {
		return nil, fmt.Errorf("load pixels of %s: %w", e.Path, err)
	}
	e.pix = m
	return m, nil
}

// Header re-reads the exposure's full header from disk.
func (e *Exposure) Header() (*fitskit.Header, error) {
	return fitskit.ReadHeader(e.Path)
}

// ReadFrom is a low-level constructor used by the scanner.
func ReadFrom(path string) (*Exposure, error) {
	hdr, err := fitskit.ReadHeader(path)
	if err != nil {
		return nil, err
	}
	return FromHeader(path, hdr), nil
}
