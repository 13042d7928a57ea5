// Package fitskit wraps the FITS codec used across the pipeline. It exposes
// header access with the pipeline's "absent keyword reads as ?" convention,
// decodes pixel data of any supported BITPIX into float64 matrices, and
// encodes derived products as 64-bit float images.
package fitskit

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/obswerk/calib-pipeline/internal/frame"
)

// Unknown is the value reported for a keyword that is absent from a header.
// Absent keywords are never fatal.
const Unknown = "?"

// Standard acquisition keywords.
const (
	KeyImageType = "IMAGETYP"
	KeyExpTime   = "EXPTIME"
	KeyFilter    = "FILTER"
	KeyDateObs   = "DATE-OBS"
	KeyXBinning  = "XBINNING"
	KeyYBinning  = "YBINNING"
)

// Provenance keywords written into derived products.
const (
	KeySourceCount   = "KW-SRCN"
	KeySourcePrefix  = "KW-SRC"
	KeyMasterBias    = "KW-MBIAS"
	KeyMasterBiasAge = "KW-MBAGE"
	KeyMasterDark    = "KW-MDARK"
	KeyMasterDarkAge = "KW-MDAGE"
	KeyMasterFlat    = "KW-MFLAT"
	KeyMasterFlatAge = "KW-MFAGE"
	KeyTelescopeRaw  = "KW-TRAW"
	KeyPipelineRaw   = "KW-PRAW"
)

// DateObsLayout is the timestamp format used by the camera control software
// (microsecond precision).
const DateObsLayout = "2006-01-02T15:04:05.000000"

// ParseTime reads a DATE-OBS style timestamp, tolerating a missing or
// shortened fractional part.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FormatTime renders a timestamp in DATE-OBS form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(DateObsLayout)
}

// Header is an ordered set of FITS cards.
type Header struct {
	cards []fitsio.Card
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{}
}

// Cards returns the cards in file order.
func (h *Header) Cards() []fitsio.Card {
	return h.cards
}

// Get returns the raw value of a keyword.
func (h *Header) Get(name string) (interface{}, bool) {
	for i := range h.cards {
		if h.cards[i].Name == name {
			return h.cards[i].Value, true
		}
	}
	return nil, false
}

// Str returns the keyword value as a string, or Unknown when absent.
func (h *Header) Str(name string) string {
	v, ok := h.Get(name)
	if !ok || v == nil {
		return Unknown
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns a numeric keyword value.
func (h *Header) Float(name string) (float64, bool) {
	v, ok := h.Get(name)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns an integer keyword value.
func (h *Header) Int(name string) (int, bool) {
	f, ok := h.Float(name)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Time parses a timestamp keyword (DATE-OBS convention).
func (h *Header) Time(name string) (time.Time, bool) {
	s := h.Str(name)
	if s == Unknown {
		return time.Time{}, false
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Set replaces the value of a keyword, appending the card if new.
func (h *Header) Set(name string, value interface{}, comment string) {
	for i := range h.cards {
		if h.cards[i].Name == name {
			h.cards[i].Value = value
			if comment != "" {
				h.cards[i].Comment = comment
			}
			return
		}
	}
	h.cards = append(h.cards, fitsio.Card{Name: name, Value: value, Comment: comment})
}

// structural keywords are owned by the codec and never copied between files.
var structural = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "NAXIS1": true,
	"NAXIS2": true, "NAXIS3": true, "EXTEND": true, "BSCALE": true,
	"BZERO": true, "END": true, "COMMENT": true, "HISTORY": true,
}

// DecodeHeader parses the primary header from an encoded FITS file.
func DecodeHeader(data []byte) (*Header, error) {
	f, err := fitsio.Open(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open fits: %w", err)
	}
	defer f.Close()
	return copyHeader(f.HDU(0).Header()), nil
}

func copyHeader(hdr *fitsio.Header) *Header {
	out := &Header{}
	for _, key := range hdr.Keys() {
		card := hdr.Get(key)
		if card == nil {
			continue
		}
		out.cards = append(out.cards, *card)
	}
	return out
}

// Decode parses the primary HDU of an encoded FITS file into a float64
// matrix, applying BSCALE/BZERO when present.
func Decode(data []byte) (*frame.Matrix, *Header, error) {
	f, err := fitsio.Open(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("open fits: %w", err)
	}
	defer f.Close()

	hdu := f.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, nil, fmt.Errorf("primary HDU is not an image")
	}

	hdr := hdu.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return nil, nil, fmt.Errorf("expected 2D image, got %d axes", len(axes))
	}
	width, height := axes[0], axes[1]
	n := width * height

	out := frame.New(width, height)
	switch hdr.Bitpix() {
	case 16:
		raw := make([]int16, n)
		if err := img.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("read int16 pixels: %w", err)
		}
		for i, v := range raw {
			out.Pix[i] = float64(v)
		}
	case 32:
		raw := make([]int32, n)
		if err := img.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("read int32 pixels: %w", err)
		}
		for i, v := range raw {
			out.Pix[i] = float64(v)
		}
	case -32:
		raw := make([]float32, n)
		if err := img.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("read float32 pixels: %w", err)
		}
		for i, v := range raw {
			out.Pix[i] = float64(v)
		}
	case -64:
		raw := make([]float64, n)
		if err := img.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("read float64 pixels: %w", err)
		}
		copy(out.Pix, raw)
	default:
		return nil, nil, fmt.Errorf("unsupported BITPIX %d", hdr.Bitpix())
	}

	h := copyHeader(hdr)

	// Integer cameras record a linear transform to physical values.
	bscale, hasScale := h.Float("BSCALE")
	bzero, hasZero := h.Float("BZERO")
	if hasScale || hasZero {
		if !hasScale {
			bscale = 1
		}
		for i := range out.Pix {
			out.Pix[i] = bzero + bscale*out.Pix[i]
		}
	}

	return out, h, nil
}

// Encode serializes a matrix as a single-HDU 64-bit float FITS image,
// carrying over all non-structural cards from hdr.
func Encode(m *frame.Matrix, hdr *Header) ([]byte, error) {
	img := fitsio.NewImage(-64, []int{m.Width, m.Height})
	defer img.Close()

	if hdr != nil {
		seen := make(map[string]bool)
		for _, card := range hdr.Cards() {
			if structural[card.Name] || seen[card.Name] {
				continue
			}
			seen[card.Name] = true
			if err := img.Header().Append(card); err != nil {
				return nil, fmt.Errorf("append card %s: %w", card.Name, err)
			}
		}
	}

	if err := img.Write(&m.Pix); err != nil {
		return nil, fmt.Errorf("write pixels: %w", err)
	}

	buf := new(bytes.Buffer)
	f, err := fitsio.Create(buf)
	if err != nil {
		return nil, fmt.Errorf("create fits: %w", err)
	}
	if err := f.Write(img); err != nil {
		f.Close()
		return nil, fmt.Errorf("write hdu: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close fits: %w", err)
	}
	return buf.Bytes(), nil
}

// IsFITSFile reports whether a path looks like a FITS image by extension.
func IsFITSFile(path string) bool {
	switch ext := filepath.Ext(path); ext {
	case ".fits", ".fit", ".FITS", ".FIT":
		return true
	}
	return false
}

// ReadHeader reads only the primary header of a FITS file on disk.
func ReadHeader(path string) (*Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeHeader(data)
}

// Read loads pixels and header of a FITS file on disk.
func Read(path string) (*frame.Matrix, *Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Decode(data)
}

// Write encodes and atomically writes a FITS image (temp file + rename).
func Write(path string, m *frame.Matrix, hdr *Header) error {
	data, err := Encode(m, hdr)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}
