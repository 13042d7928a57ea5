// Package pipeline orchestrates one observing night: mirror the raw data,
// build master calibration frames per cluster, reduce every light frame,
// and export the night catalog. A separate retry pass (retry.go) drains the
// pending ledger and upgrades earlier degraded results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/obswerk/calib-pipeline/internal/archive"
	"github.com/obswerk/calib-pipeline/internal/catalog"
	"github.com/obswerk/calib-pipeline/internal/cluster"
	"github.com/obswerk/calib-pipeline/internal/config"
	"github.com/obswerk/calib-pipeline/internal/exposure"
	"github.com/obswerk/calib-pipeline/internal/fitskit"
	"github.com/obswerk/calib-pipeline/internal/logging"
	"github.com/obswerk/calib-pipeline/internal/master"
	"github.com/obswerk/calib-pipeline/internal/metrics"
	"github.com/obswerk/calib-pipeline/internal/partition"
	"github.com/obswerk/calib-pipeline/internal/pending"
	"github.com/obswerk/calib-pipeline/internal/reduce"
	"github.com/obswerk/calib-pipeline/internal/resolve"
	"github.com/obswerk/calib-pipeline/internal/store"
)

// Build identification, set via -ldflags at release time.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

// Summary reports one night run.
type Summary struct {
	Night         partition.Night
	ArchivedFiles int
	BiasMasters   int
	DarkMasters   int
	FlatMasters   int
	Reduced       int
	Degraded      int
	Failed        int
	Pending       int
}

// Pipeline wires every stage against one store and one ledger.
type Pipeline struct {
	cfg      config.Config
	layout   store.Layout
	store    store.FrameStore
	builder  *master.Builder
	resolver *resolve.Resolver
	engine   *reduce.Engine
	ledger   *pending.Ledger
	mirror   *archive.Mirror // nil when archiving is disabled
	catalog  *catalog.Writer // nil when the catalog is disabled
	metrics  *metrics.Metrics
	log      *slog.Logger
	runID    string
	now      func() time.Time
}

// New assembles a pipeline from configuration.
func New(cfg config.Config, st store.FrameStore, m *metrics.Metrics) *Pipeline {
	layout := cfg.Layout()
	ledger := pending.NewLedger(cfg.Pipeline.PendingLogPath)

	builder := master.NewBuilder(logging.Component("master"))
	builder.ExpTimeTolerance = time.Duration(cfg.Pipeline.DarkExpTimeTolerance) * time.Second

	resolver := resolve.New(st, layout, logging.Component("resolve"))
	resolver.MaxDayOffset = cfg.Pipeline.MaxDayOffset

	engine := reduce.NewEngine(resolver, st, layout, ledger, logging.Component("reduce"))
	engine.TelescopeRoot = cfg.Archive.TelescopeRoot

	p := &Pipeline{
		cfg:      cfg,
		layout:   layout,
		store:    st,
		builder:  builder,
		resolver: resolver,
		engine:   engine,
		ledger:   ledger,
		metrics:  m,
		log:      logging.Component("pipeline"),
		runID:    logging.GenerateRunID(),
		now:      time.Now,
	}
	if cfg.Archive.Enabled {
		p.mirror = archive.NewMirror(st, layout, cfg.Archive.TelescopeRoot, cfg.Archive.Compress, logging.Component("archive"))
	}
	if cfg.Catalog.Enabled {
		p.catalog = catalog.NewWriter(st, logging.Component("catalog"))
	}
	return p
}

func (p *Pipeline) gap() time.Duration {
	return time.Duration(p.cfg.Pipeline.GapSeconds) * time.Second
}

// rawDir returns the local directory holding the night's raw exposures:
// the telescope tree when mirroring is configured, the store's own Raw
// partition otherwise.
func (p *Pipeline) rawDir(night partition.Night) string {
	if p.mirror != nil {
		return p.mirror.NightDir(night)
	}
	return filepath.Join(
		p.cfg.Storage.LocalDir,
		filepath.FromSlash(p.cfg.Storage.Prefix),
		night.String(),
		p.cfg.Pipeline.RawSubdir,
	)
}

// RunNight processes one observing night end to end. A night with no light
// frames fails validation; individual bad files or unresolvable calibration
// never abort the run.
func (p *Pipeline) RunNight(ctx context.Context, night partition.Night) (*Summary, error) {
	log := logging.NightLogger(p.runID, night.String())
	sum := &Summary{Night: night}

	if p.mirror != nil {
		files, size, err := p.mirror.MirrorNight(ctx, night)
		if err != nil {
			return nil, fmt.Errorf("mirror night %s: %w", night, err)
		}
		sum.ArchivedFiles = files
		if p.metrics != nil {
			p.metrics.ArchivedBytes.Add(float64(size))
		}
	}

	ds, err := exposure.Scan(p.rawDir(night))
	if err != nil {
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	log.Info("scanned night",
		"bias", len(ds.Bias),
		"dark", len(ds.Dark),
		"flat", len(ds.Flat),
		"light", len(ds.Light))

	if err := p.createCorrections(ctx, ds, night, sum); err != nil {
		return nil, err
	}
	if err := p.reduceAll(ctx, ds, night, sum); err != nil {
		return nil, err
	}
	if p.catalog != nil {
		if err := p.exportCatalog(ctx, ds, night); err != nil {
			log.Warn("catalog export failed", "error", err)
		}
	}

	entries, err := p.ledger.ReadAll()
	if err != nil {
		return nil, err
	}
	sum.Pending = len(entries)
	if p.metrics != nil {
		p.metrics.PendingEntries.Set(float64(sum.Pending))
	}

	log.Info("night complete",
		"bias_masters", sum.BiasMasters,
		"dark_masters", sum.DarkMasters,
		"flat_masters", sum.FlatMasters,
		"reduced", sum.Reduced,
		"degraded", sum.Degraded,
		"failed", sum.Failed,
		"pending", sum.Pending)
	return sum, nil
}

// createCorrections builds every master frame the night's calibration data
// supports: bias first, then darks against the freshest bias, then flats
// against the freshest bias and dark.
func (p *Pipeline) createCorrections(ctx context.Context, ds *exposure.Dataset, night partition.Night, sum *Summary) error {
	for _, binning := range exposure.Binnings(ds.Bias) {
		clusters := cluster.MinSize(
			cluster.Split(ds.Select(exposure.KindBias, binning, ""), p.gap()),
			p.cfg.Pipeline.BiasMinClusterSize,
		)
		for i, c := range clusters {
			f, err := p.builder.BuildBias(c)
			if err != nil {
				p.rejectCluster(master.CategoryBias, err)
				continue
			}
			if _, err := p.saveMaster(ctx, night, f, i); err != nil {
				return err
			}
			sum.BiasMasters++
			if p.metrics != nil {
				p.metrics.IncMasterBuilt(master.CategoryBias, binning)
			}
		}
	}

	for _, binning := range exposure.Binnings(ds.Dark) {
		clusters := cluster.Split(ds.Select(exposure.KindDark, binning, ""), p.gap())
		for i, c := range clusters {
			built, err := p.BuildDarkCluster(ctx, night, c, i)
			if err != nil {
				return err
			}
			if built {
				sum.DarkMasters++
			}
		}
	}

	for _, binning := range exposure.Binnings(ds.Flat) {
		byBinning := ds.Select(exposure.KindFlat, binning, "")
		for _, filter := range exposure.Filters(byBinning) {
			clusters := cluster.Split(ds.Select(exposure.KindFlat, binning, filter), p.gap())
			for i, c := range clusters {
				built, err := p.BuildFlatCluster(ctx, night, c, i)
				if err != nil {
					return err
				}
				if built {
					sum.FlatMasters++
				}
			}
		}
	}
	return nil
}

// BuildDarkCluster builds and stores one master dark. It resolves the
// nearest master bias itself; a resolution miss or a stale bias leaves a
// pending entry behind. Returns whether a master was written.
func (p *Pipeline) BuildDarkCluster(ctx context.Context, night partition.Night, c cluster.Cluster, index int) (bool, error) {
	binning := c[0].Binning
	key := path.Join(p.layout.CorrectionDir(night), store.MasterName(master.CategoryDark, binning, "", index))

	bias, err := p.resolver.Resolve(ctx, c.Timestamp(), master.CategoryBias, binning, "")
	if err != nil {
		return false, p.masterMiss(err, master.CategoryDark, pending.Entry{
			Category: pending.CategoryDark,
			Binning:  binning,
			Filter:   "-",
			BiasAge:  pending.AgeUnknown(),
			DarkAge:  pending.AgeNA(),
			FlatAge:  pending.AgeNA(),
			Path:     key,
		})
	}
	p.observeOffset(master.CategoryBias, bias.DayOffset)

	f, err := p.builder.BuildDark(c, bias.Pix)
	if err != nil {
		p.rejectCluster(master.CategoryDark, err)
		return false, nil
	}
	if _, err := p.saveMaster(ctx, night, f, index); err != nil {
		return false, err
	}
	if p.metrics != nil {
		p.metrics.IncMasterBuilt(master.CategoryDark, binning)
	}

	if off := abs(bias.DayOffset); off > 0 {
		entry := pending.Entry{
			Date:     dateOf(p.now()),
			Category: pending.CategoryDark,
			Binning:  binning,
			Filter:   "-",
			BiasAge:  pending.AgeOf(bias.DayOffset),
			DarkAge:  pending.AgeNA(),
			FlatAge:  pending.AgeNA(),
			Expires:  night.Date().AddDate(0, 0, off),
			Path:     key,
		}
		if err := p.appendPending(entry); err != nil {
			return true, err
		}
	}
	return true, nil
}

// BuildFlatCluster builds and stores one master flat, resolving its bias
// and dark dependencies first.
func (p *Pipeline) BuildFlatCluster(ctx context.Context, night partition.Night, c cluster.Cluster, index int) (bool, error) {
	binning := c[0].Binning
	filter := c[0].Filter
	key := path.Join(p.layout.CorrectionDir(night), store.MasterName(master.CategoryFlat, binning, filter, index))

	miss := pending.Entry{
		Category: pending.CategoryFlat,
		Binning:  binning,
		Filter:   filter,
		BiasAge:  pending.AgeUnknown(),
		DarkAge:  pending.AgeUnknown(),
		FlatAge:  pending.AgeNA(),
		Path:     key,
	}
	bias, err := p.resolver.Resolve(ctx, c.Timestamp(), master.CategoryBias, binning, "")
	if err != nil {
		return false, p.masterMiss(err, master.CategoryFlat, miss)
	}
	dark, err := p.resolver.Resolve(ctx, c.Timestamp(), master.CategoryDark, binning, "")
	if err != nil {
		return false, p.masterMiss(err, master.CategoryFlat, miss)
	}
	p.observeOffset(master.CategoryBias, bias.DayOffset)
	p.observeOffset(master.CategoryDark, dark.DayOffset)

	f, err := p.builder.BuildFlat(c, bias.Pix, dark.Pix)
	if err != nil {
		p.rejectCluster(master.CategoryFlat, err)
		return false, nil
	}
	if _, err := p.saveMaster(ctx, night, f, index); err != nil {
		return false, err
	}
	if p.metrics != nil {
		p.metrics.IncMasterBuilt(master.CategoryFlat, binning)
	}

	if off := maxAbs(bias.DayOffset, dark.DayOffset); off > 0 {
		entry := pending.Entry{
			Date:     dateOf(p.now()),
			Category: pending.CategoryFlat,
			Binning:  binning,
			Filter:   filter,
			BiasAge:  pending.AgeOf(bias.DayOffset),
			DarkAge:  pending.AgeOf(dark.DayOffset),
			FlatAge:  pending.AgeNA(),
			Expires:  night.Date().AddDate(0, 0, off),
			Path:     key,
		}
		if err := p.appendPending(entry); err != nil {
			return true, err
		}
	}
	return true, nil
}

// reduceAll runs the engine over every light frame, counting outcomes.
func (p *Pipeline) reduceAll(ctx context.Context, ds *exposure.Dataset, night partition.Night, sum *Summary) error {
	for _, light := range ds.Light {
		rep, err := p.engine.Reduce(ctx, light, night)
		if err != nil {
			p.log.Error("reduction error", "light", light.Path, "error", err)
			sum.Failed++
			continue
		}
		switch rep.Outcome {
		case reduce.OutcomeReduced:
			sum.Reduced++
		case reduce.OutcomeDegraded:
			sum.Degraded++
		case reduce.OutcomeFailed:
			sum.Failed++
		}
		if p.metrics != nil {
			p.metrics.IncOutcome(rep.Outcome.String(), light.Binning, light.Filter)
			if rep.Outcome != reduce.OutcomeFailed {
				p.metrics.ObserveResolverOffset(master.CategoryBias, rep.BiasOffset)
				p.metrics.ObserveResolverOffset(master.CategoryDark, rep.DarkOffset)
				p.metrics.ObserveResolverOffset(master.CategoryFlat, rep.FlatOffset)
			}
		}
		if p.catalog != nil && rep.OutputKey != "" {
			p.catalogReduced(ctx, night, light, rep)
		}
	}
	return nil
}

// masterMiss converts a resolver miss into a pending entry; other errors
// propagate.
func (p *Pipeline) masterMiss(err error, category string, entry pending.Entry) error {
	var missing *resolve.SuitableMasterMissingError
	if !errors.As(err, &missing) {
		return err
	}
	p.log.Warn("master build skipped, no suitable upstream master",
		"category", category, "error", missing)
	if p.metrics != nil {
		p.metrics.IncResolverMiss(missing.Category)
	}
	entry.Date = dateOf(p.now())
	return p.appendPending(entry)
}

func (p *Pipeline) rejectCluster(category string, err error) {
	var mismatch *master.IncompatibleBinningError
	reason := "build_error"
	if errors.As(err, &mismatch) {
		reason = "binning_mismatch"
	}
	p.log.Error("cluster rejected", "category", category, "reason", reason, "error", err)
	if p.metrics != nil {
		p.metrics.IncBuildRejected(category, reason)
	}
}

// saveMaster encodes one master frame and writes it into the night's
// correction partition under the conventional name.
func (p *Pipeline) saveMaster(ctx context.Context, night partition.Night, f *master.Frame, index int) (string, error) {
	filter := ""
	if f.Category == master.CategoryFlat {
		filter = f.Filter
	}
	key := path.Join(p.layout.CorrectionDir(night), store.MasterName(f.Category, f.Binning, filter, index))
	data, err := fitskit.Encode(f.Pix, f.Header())
	if err != nil {
		return "", fmt.Errorf("encode master %s: %w", key, err)
	}
	if err := p.store.Write(ctx, key, data); err != nil {
		return "", fmt.Errorf("write master %s: %w", key, err)
	}
	p.log.Info("built master frame", "key", key, "sources", len(f.Sources))
	return key, nil
}

func (p *Pipeline) appendPending(entry pending.Entry) error {
	if err := p.ledger.Append(entry); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.LedgerAppends.Inc()
	}
	return nil
}

func (p *Pipeline) observeOffset(category string, days int) {
	if p.metrics != nil {
		p.metrics.ObserveResolverOffset(category, days)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func maxAbs(offsets ...int) int {
	m := 0
	for _, o := range offsets {
		if a := abs(o); a > m {
			m = a
		}
	}
	return m
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
