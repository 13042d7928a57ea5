// Package resolve locates the nearest-in-time master calibration frame for a
// target timestamp. It searches the date-partitioned store outward from the
// target night: same partition first, then one day ahead, one day back, two
// ahead, two back, stopping at the first radius that yields any candidate.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/obswerk/calib-pipeline/internal/fitskit"
	"github.com/obswerk/calib-pipeline/internal/frame"
	"github.com/obswerk/calib-pipeline/internal/partition"
	"github.com/obswerk/calib-pipeline/internal/store"
)

// DefaultMaxDayOffset bounds the search horizon.
const DefaultMaxDayOffset = 365

// SuitableMasterMissingError reports that no master frame of the requested
// kind exists within the search horizon. Callers convert it into a pending
// ledger entry; it is never fatal for a night run.
type SuitableMasterMissingError struct {
	Category     string
	Binning      string
	Filter       string
	Night        partition.Night
	MaxDayOffset int
}

func (e *SuitableMasterMissingError) Error() string {
	what := fmt.Sprintf("master %s (binning %s", e.Category, e.Binning)
	if e.Filter != "" {
		what += ", filter " + e.Filter
	}
	what += ")"
	return fmt.Sprintf("no suitable %s within %d days of %s", what, e.MaxDayOffset, e.Night)
}

// Result is one resolved master frame. DayOffset is signed calendar
// distance: positive when the source partition is later than the target
// night, negative when earlier, zero for a same-night match.
type Result struct {
	Pix       *frame.Matrix
	Key       string
	Timestamp time.Time
	DayOffset int
}

// Resolver searches the calibration store. Each call re-lists partitions so
// that frames appearing between runs are picked up.
type Resolver struct {
	Store        store.FrameStore
	Layout       store.Layout
	MaxDayOffset int
	Log          *slog.Logger
}

// New returns a resolver with the default horizon.
func New(st store.FrameStore, layout store.Layout, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{Store: st, Layout: layout, MaxDayOffset: DefaultMaxDayOffset, Log: log}
}

type candidate struct {
	key    string
	offset int
}

// Resolve finds the master frame of the given category and binning (and
// filter, for flats) closest in time to target. Ties at equal time distance
// break lexicographically by key, so results are deterministic.
func (r *Resolver) Resolve(ctx context.Context, target time.Time, category, binning, filter string) (*Result, error) {
	night := partition.NightOf(target)

	pool, err := r.collect(ctx, night, 0, category, binning, filter)
	if err != nil {
		return nil, err
	}
	for d := 1; len(pool) == 0; d++ {
		if d > r.MaxDayOffset {
			return nil, &SuitableMasterMissingError{
				Category:     category,
				Binning:      binning,
				Filter:       filter,
				Night:        night,
				MaxDayOffset: r.MaxDayOffset,
			}
		}
		future, err := r.collect(ctx, night.Add(d), d, category, binning, filter)
		if err != nil {
			return nil, err
		}
		past, err := r.collect(ctx, night.Add(-d), -d, category, binning, filter)
		if err != nil {
			return nil, err
		}
		pool = append(append(pool, future...), past...)
	}

	best, err := r.pick(ctx, pool, target)
	if err != nil {
		return nil, err
	}
	r.Log.Debug("resolved master frame",
		"category", category,
		"binning", binning,
		"filter", filter,
		"key", best.Key,
		"day_offset", best.DayOffset)
	return best, nil
}

// collect lists one partition's correction directory and keeps the keys
// whose file names carry the category, binning and filter tokens.
func (r *Resolver) collect(ctx context.Context, night partition.Night, offset int, category, binning, filter string) ([]candidate, error) {
	keys, err := r.Store.List(ctx, r.Layout.CorrectionDir(night))
	if err != nil {
		return nil, fmt.Errorf("list partition %s: %w", night, err)
	}
	var out []candidate
	token := "master_" + category
	for _, key := range keys {
		name := path.Base(key)
		if !strings.Contains(name, token) || !strings.Contains(name, binning) {
			continue
		}
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		out = append(out, candidate{key: key, offset: offset})
	}
	return out, nil
}

// pick loads every candidate's own timestamp and returns the one closest in
// absolute time to target, fully decoded.
func (r *Resolver) pick(ctx context.Context, pool []candidate, target time.Time) (*Result, error) {
	sort.Slice(pool, func(i, j int) bool { return pool[i].key < pool[j].key })

	var (
		best     candidate
		bestData []byte
		bestTime time.Time
		bestDist time.Duration
		found    bool
	)
	for _, c := range pool {
		data, err := r.Store.Read(ctx, c.key)
		if err != nil {
			return nil, fmt.Errorf("read candidate %s: %w", c.key, err)
		}
		hdr, err := fitskit.DecodeHeader(data)
		if err != nil {
			r.Log.Warn("skipping unreadable master frame", "key", c.key, "error", err)
			continue
		}
		ts, ok := hdr.Time(fitskit.KeyDateObs)
		if !ok {
			r.Log.Warn("skipping master frame without timestamp", "key", c.key)
			continue
		}
		dist := target.Sub(ts)
		if dist < 0 {
			dist = -dist
		}
		if !found || dist < bestDist {
			best, bestData, bestTime, bestDist, found = c, data, ts, dist, true
		}
	}
	if !found {
		return nil, fmt.Errorf("no readable master frame among %d candidates", len(pool))
	}

	pix, _, err := fitskit.Decode(bestData)
	if err != nil {
		return nil, fmt.Errorf("decode master %s: %w", best.key, err)
	}
	return &Result{Pix: pix, Key: best.key, Timestamp: bestTime, DayOffset: best.offset}, nil
}
