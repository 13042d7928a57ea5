// Package reduce applies resolved master calibration frames to light
// exposures. The arithmetic is one fixed formula; the value of the engine is
// in the three independent resolutions it orchestrates and in the pending
// ledger entries it leaves behind when calibration data was stale or absent.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/obswerk/calib-pipeline/internal/exposure"
	"github.com/obswerk/calib-pipeline/internal/fitskit"
	"github.com/obswerk/calib-pipeline/internal/master"
	"github.com/obswerk/calib-pipeline/internal/partition"
	"github.com/obswerk/calib-pipeline/internal/pending"
	"github.com/obswerk/calib-pipeline/internal/resolve"
	"github.com/obswerk/calib-pipeline/internal/store"
)

// Outcome classifies one light frame's reduction.
type Outcome int

const (
	// OutcomeReduced means all three masters matched the target night.
	OutcomeReduced Outcome = iota
	// OutcomeDegraded means the output was written but at least one master
	// came from another night; a pending entry was recorded.
	OutcomeDegraded
	// OutcomeFailed means no output was written because some master could
	// not be resolved at all; a pending entry with unknown offsets was
	// recorded.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReduced:
		return "reduced"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Report describes one completed (or abandoned) reduction.
type Report struct {
	Outcome    Outcome
	OutputKey  string // empty when no output was written
	BiasOffset int
	DarkOffset int
	FlatOffset int
}

// Engine reduces light exposures against the calibration store.
type Engine struct {
	Resolver *resolve.Resolver
	Store    store.FrameStore
	Layout   store.Layout
	Ledger   *pending.Ledger
	Log      *slog.Logger

	// TelescopeRoot, when set, lets outputs carry a pointer back to the
	// telescope-side copy of their raw frame.
	TelescopeRoot string

	// Now stamps pending entries; overridable in tests.
	Now func() time.Time
}

// NewEngine wires a reduction engine.
func NewEngine(res *resolve.Resolver, st store.FrameStore, layout store.Layout, ledger *pending.Ledger, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Resolver: res,
		Store:    st,
		Layout:   layout,
		Ledger:   ledger,
		Log:      log,
		Now:      time.Now,
	}
}

// Reduce calibrates one light exposure and writes the result into the
// night's reduced partition. Resolution failure is not an error: it is
// recorded in the ledger and reported through the outcome.
func (e *Engine) Reduce(ctx context.Context, light *exposure.Exposure, night partition.Night) (Report, error) {
	bias, err := e.Resolver.Resolve(ctx, light.Timestamp, master.CategoryBias, light.Binning, "")
	if err == nil {
		var dark *resolve.Result
		dark, err = e.Resolver.Resolve(ctx, light.Timestamp, master.CategoryDark, light.Binning, "")
		if err == nil {
			var flat *resolve.Result
			flat, err = e.Resolver.Resolve(ctx, light.Timestamp, master.CategoryFlat, light.Binning, light.Filter)
			if err == nil {
				return e.apply(ctx, light, night, bias, dark, flat)
			}
		}
	}

	var missing *resolve.SuitableMasterMissingError
	if !errors.As(err, &missing) {
		return Report{Outcome: OutcomeFailed}, err
	}
	e.Log.Warn("reduction skipped, no suitable master", "light", light.Path, "error", missing)
	entry := pending.Entry{
		Date:     dateOf(e.Now()),
		Category: pending.CategoryLight,
		Binning:  light.Binning,
		Filter:   light.Filter,
		BiasAge:  pending.AgeUnknown(),
		DarkAge:  pending.AgeUnknown(),
		FlatAge:  pending.AgeUnknown(),
		Path:     light.Path,
	}
	if err := e.Ledger.Append(entry); err != nil {
		return Report{Outcome: OutcomeFailed}, fmt.Errorf("record failed reduction: %w", err)
	}
	return Report{Outcome: OutcomeFailed}, nil
}

// apply runs the calibration arithmetic and writes the output with full
// provenance. No clipping: negative and out-of-range pixels survive as-is.
func (e *Engine) apply(ctx context.Context, light *exposure.Exposure, night partition.Night, bias, dark, flat *resolve.Result) (Report, error) {
	rep := Report{
		Outcome:    OutcomeFailed,
		BiasOffset: bias.DayOffset,
		DarkOffset: dark.DayOffset,
		FlatOffset: flat.DayOffset,
	}
	pix, err := light.Pixels()
	if err != nil {
		return rep, err
	}
	out := pix.Clone()
	if err := out.Sub(bias.Pix); err != nil {
		return rep, fmt.Errorf("%s: subtract bias: %w", light.Path, err)
	}
	if err := out.SubScaled(dark.Pix, light.ExpTime); err != nil {
		return rep, fmt.Errorf("%s: subtract dark: %w", light.Path, err)
	}
	if err := out.Div(flat.Pix); err != nil {
		return rep, fmt.Errorf("%s: divide by flat: %w", light.Path, err)
	}

	hdr, err := light.Header()
	if err != nil {
		return rep, err
	}
	hdr.Set(fitskit.KeyMasterBias, bias.Key, "master bias applied")
	hdr.Set(fitskit.KeyMasterBiasAge, bias.DayOffset, "master bias day offset")
	hdr.Set(fitskit.KeyMasterDark, dark.Key, "master dark applied")
	hdr.Set(fitskit.KeyMasterDarkAge, dark.DayOffset, "master dark day offset")
	hdr.Set(fitskit.KeyMasterFlat, flat.Key, "master flat applied")
	hdr.Set(fitskit.KeyMasterFlatAge, flat.DayOffset, "master flat day offset")
	hdr.Set(fitskit.KeyPipelineRaw, light.Path, "raw source exposure")
	if e.TelescopeRoot != "" {
		tele := filepath.Join(e.TelescopeRoot, night.String(), filepath.Base(light.Path))
		hdr.Set(fitskit.KeyTelescopeRaw, tele, "telescope-side raw copy")
	}

	data, err := fitskit.Encode(out, hdr)
	if err != nil {
		return rep, fmt.Errorf("encode reduced %s: %w", light.Path, err)
	}
	key := path.Join(e.Layout.ReducedDir(night), filepath.Base(light.Path))
	if err := e.Store.Write(ctx, key, data); err != nil {
		return rep, fmt.Errorf("write reduced frame: %w", err)
	}
	rep.OutputKey = key

	maxAbs := maxAbsOffset(bias.DayOffset, dark.DayOffset, flat.DayOffset)
	e.Log.Info("reduced light frame",
		"light", light.Path,
		"output", key,
		"bias_offset", bias.DayOffset,
		"dark_offset", dark.DayOffset,
		"flat_offset", flat.DayOffset)
	if maxAbs == 0 {
		rep.Outcome = OutcomeReduced
		return rep, nil
	}

	// Stale calibration: keep the output, queue an upgrade attempt. Past
	// the expiry date no closer night can exist, so the entry is final.
	entry := pending.Entry{
		Date:     dateOf(e.Now()),
		Category: pending.CategoryLight,
		Binning:  light.Binning,
		Filter:   light.Filter,
		BiasAge:  pending.AgeOf(bias.DayOffset),
		DarkAge:  pending.AgeOf(dark.DayOffset),
		FlatAge:  pending.AgeOf(flat.DayOffset),
		Expires:  night.Date().AddDate(0, 0, maxAbs),
		Path:     light.Path,
	}
	rep.Outcome = OutcomeDegraded
	if err := e.Ledger.Append(entry); err != nil {
		return rep, fmt.Errorf("record degraded reduction: %w", err)
	}
	return rep, nil
}

func maxAbsOffset(offsets ...int) int {
	max := 0
	for _, o := range offsets {
		if o < 0 {
			o = -o
		}
		if o > max {
			max = o
		}
	}
	return max
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
