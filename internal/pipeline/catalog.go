package pipeline

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/obswerk/calib-pipeline/internal/catalog"
	"github.com/obswerk/calib-pipeline/internal/exposure"
	"github.com/obswerk/calib-pipeline/internal/fitskit"
	"github.com/obswerk/calib-pipeline/internal/master"
	"github.com/obswerk/calib-pipeline/internal/partition"
	"github.com/obswerk/calib-pipeline/internal/reduce"
)

// catalogReduced queues a catalog row for one freshly written reduced frame.
func (p *Pipeline) catalogReduced(ctx context.Context, night partition.Night, light *exposure.Exposure, rep reduce.Report) {
	data, err := p.store.Read(ctx, rep.OutputKey)
	if err != nil {
		p.log.Warn("cannot checksum reduced frame", "key", rep.OutputKey, "error", err)
		return
	}
	p.catalog.Add(catalog.ExposureRow{
		Night:          night.String(),
		Role:           catalog.RoleReduced,
		Path:           rep.OutputKey,
		Kind:           light.Kind.String(),
		Binning:        light.Binning,
		Filter:         light.Filter,
		ExpTimeSeconds: light.ExpTime,
		Timestamp:      light.Timestamp,
		BiasOffsetDays: int32(rep.BiasOffset),
		DarkOffsetDays: int32(rep.DarkOffset),
		FlatOffsetDays: int32(rep.FlatOffset),
		SHA256:         catalog.ComputeChecksum(data),
		ByteSize:       int64(len(data)),
		RunID:          p.runID,
		IngestedAt:     p.now(),
	})
}

// exportCatalog adds rows for the night's raw exposures and master frames
// (reduced rows were queued during reduction) and writes the manifest.
func (p *Pipeline) exportCatalog(ctx context.Context, ds *exposure.Dataset, night partition.Night) error {
	for _, e := range ds.All {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			p.log.Warn("cannot checksum raw exposure", "path", e.Path, "error", err)
			continue
		}
		p.catalog.Add(catalog.ExposureRow{
			Night:          night.String(),
			Role:           catalog.RoleRaw,
			Path:           e.Path,
			Kind:           e.Kind.String(),
			Binning:        e.Binning,
			Filter:         e.Filter,
			ExpTimeSeconds: e.ExpTime,
			Timestamp:      e.Timestamp,
			SHA256:         catalog.ComputeChecksum(data),
			ByteSize:       int64(len(data)),
			RunID:          p.runID,
			IngestedAt:     p.now(),
		})
	}

	keys, err := p.store.List(ctx, p.layout.CorrectionDir(night))
	if err != nil {
		return err
	}
	for _, key := range keys {
		data, err := p.store.Read(ctx, key)
		if err != nil {
			p.log.Warn("cannot checksum master frame", "key", key, "error", err)
			continue
		}
		row := catalog.ExposureRow{
			Night:      night.String(),
			Role:       catalog.RoleMaster,
			Path:       key,
			Kind:       masterKind(key),
			SHA256:     catalog.ComputeChecksum(data),
			ByteSize:   int64(len(data)),
			RunID:      p.runID,
			IngestedAt: p.now(),
		}
		if hdr, err := fitskit.DecodeHeader(data); err == nil {
			if ts, ok := hdr.Time(fitskit.KeyDateObs); ok {
				row.Timestamp = ts
			}
			row.Filter = hdr.Str(fitskit.KeyFilter)
		}
		p.catalog.Add(row)
	}

	return p.catalog.Export(ctx, night)
}

func masterKind(key string) string {
	name := path.Base(key)
	for _, category := range []string{master.CategoryBias, master.CategoryDark, master.CategoryFlat} {
		if strings.Contains(name, "master_"+category) {
			return category
		}
	}
	return "unknown"
}
