package pipeline

import (
	"context"
	"fmt"

	"github.com/obswerk/calib-pipeline/internal/cluster"
	"github.com/obswerk/calib-pipeline/internal/exposure"
	"github.com/obswerk/calib-pipeline/internal/partition"
	"github.com/obswerk/calib-pipeline/internal/pending"
	"github.com/obswerk/calib-pipeline/internal/reduce"
	"github.com/obswerk/calib-pipeline/internal/resolve"
	"github.com/obswerk/calib-pipeline/internal/store"
)

// RetrySummary reports one retry pass over the pending ledger.
type RetrySummary struct {
	Drained   int
	Expired   int
	Upgraded  int // re-resolved with offset 0
	StillOpen int // re-appended to the ledger
	Dropped   int // unprocessable entries
}

// RetryPass drains the ledger and re-attempts every live entry. Entries
// whose expiry date has passed are final: no closer calibration night can
// exist anymore, so the previously written result stands. Anything still
// unresolved is re-appended by the reprocessing step itself.
func (p *Pipeline) RetryPass(ctx context.Context) (*RetrySummary, error) {
	now := p.now()
	entries, err := p.ledger.Drain()
	if err != nil {
		return nil, err
	}
	sum := &RetrySummary{Drained: len(entries)}
	if p.metrics != nil {
		p.metrics.LedgerDrained.Add(float64(len(entries)))
	}

	for _, e := range entries {
		if e.Expired(now) {
			p.log.Info("pending entry expired, keeping existing result",
				"path", e.Path, "expires", e.Expires.Format("02-01-2006"))
			sum.Expired++
			continue
		}
		switch e.Category {
		case pending.CategoryLight:
			p.retryLight(ctx, e, sum)
		case pending.CategoryDark:
			p.retryMaster(ctx, e, exposure.KindDark, sum)
		case pending.CategoryFlat:
			p.retryMaster(ctx, e, exposure.KindFlat, sum)
		default:
			p.log.Warn("unknown pending category, dropping entry", "category", e.Category, "path", e.Path)
			sum.Dropped++
		}
	}

	remaining, err := p.ledger.ReadAll()
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.PendingEntries.Set(float64(len(remaining)))
	}
	p.log.Info("retry pass complete",
		"drained", sum.Drained,
		"expired", sum.Expired,
		"upgraded", sum.Upgraded,
		"still_open", sum.StillOpen,
		"dropped", sum.Dropped)
	return sum, nil
}

// retryLight re-reduces one light frame. The search horizon shrinks to the
// entry's best known offset: only strictly closer calibration data can
// improve the existing output. Unknown offsets fall back to the full
// default horizon.
func (p *Pipeline) retryLight(ctx context.Context, e pending.Entry, sum *RetrySummary) {
	horizon := resolve.DefaultMaxDayOffset
	if maxOff, ok := e.MaxAbsOffset(); ok && maxOff > 0 {
		horizon = maxOff
	}

	light, err := exposure.ReadFrom(e.Path)
	if err != nil {
		p.log.Warn("pending light unreadable, re-queueing", "path", e.Path, "error", err)
		if err := p.appendPending(e); err != nil {
			p.log.Error("cannot re-queue pending entry", "path", e.Path, "error", err)
		}
		sum.StillOpen++
		return
	}
	night := partition.NightOf(light.Timestamp)

	old := p.resolver.MaxDayOffset
	p.resolver.MaxDayOffset = horizon
	rep, err := p.engine.Reduce(ctx, light, night)
	p.resolver.MaxDayOffset = old
	if err != nil {
		p.log.Error("retry reduction error", "path", e.Path, "error", err)
		sum.StillOpen++
		return
	}
	if rep.Outcome == reduce.OutcomeReduced {
		sum.Upgraded++
	} else {
		sum.StillOpen++
	}
}

// retryMaster rebuilds one master dark or flat in place. The originating
// cluster is reconstructed from the master's partition, binning/filter and
// the cluster index embedded in its file name.
func (p *Pipeline) retryMaster(ctx context.Context, e pending.Entry, kind exposure.Kind, sum *RetrySummary) {
	night, c, index, err := p.reconstructCluster(e, kind)
	if err != nil {
		p.log.Warn("cannot reconstruct pending cluster, dropping entry", "path", e.Path, "error", err)
		sum.Dropped++
		return
	}

	before, err := p.ledger.ReadAll()
	if err != nil {
		p.log.Error("ledger read failed during retry", "error", err)
		sum.StillOpen++
		return
	}

	var built bool
	switch kind {
	case exposure.KindDark:
		built, err = p.BuildDarkCluster(ctx, night, c, index)
	case exposure.KindFlat:
		built, err = p.BuildFlatCluster(ctx, night, c, index)
	}
	if err != nil {
		p.log.Error("retry master build error", "path", e.Path, "error", err)
		sum.StillOpen++
		return
	}

	after, err := p.ledger.ReadAll()
	if err != nil {
		p.log.Error("ledger read failed during retry", "error", err)
		sum.StillOpen++
		return
	}
	if built && len(after) == len(before) {
		sum.Upgraded++
	} else {
		sum.StillOpen++
	}
}

// reconstructCluster re-derives the cluster a pending dark/flat entry was
// built from: re-scan the night's raw directory, re-split with the same gap
// and pick the recorded index.
func (p *Pipeline) reconstructCluster(e pending.Entry, kind exposure.Kind) (partition.Night, cluster.Cluster, int, error) {
	night, err := store.NightOfKey(e.Path)
	if err != nil {
		return partition.Night{}, nil, 0, err
	}
	index, err := store.MasterIndex(e.Path)
	if err != nil {
		return partition.Night{}, nil, 0, err
	}

	ds, err := exposure.Scan(p.rawDir(night))
	if err != nil {
		return partition.Night{}, nil, 0, err
	}
	filter := ""
	if kind == exposure.KindFlat {
		filter = e.Filter
	}
	clusters := cluster.Split(ds.Select(kind, e.Binning, filter), p.gap())
	if index >= len(clusters) {
		return partition.Night{}, nil, 0, fmt.Errorf(
			"cluster index %d out of range (%d %s clusters for binning %s)",
			index, len(clusters), kind, e.Binning)
	}
	return night, clusters[index], index, nil
}
