// Package cluster partitions same-purpose exposures into temporally
// contiguous groups. Calibration frames for one night are typically shot in
// an early and a late batch; a gap larger than the threshold between
// consecutive frames starts a new cluster.
package cluster

import (
	"sort"
	"time"

	"github.com/obswerk/calib-pipeline/internal/exposure"
)

// DefaultGap is the split threshold between consecutive exposures.
const DefaultGap = 3600 * time.Second

// Cluster is an ordered run of exposures with no internal gap above the
// split threshold.
type Cluster []*exposure.Exposure

// Last returns the final (most recent) member.
func (c Cluster) Last() *exposure.Exposure {
	return c[len(c)-1]
}

// Timestamp returns the cluster's reference time: the acquisition time of
// its last member, which defines the derived master frame's age.
func (c Cluster) Timestamp() time.Time {
	return c.Last().Timestamp
}

// Split orders exposures by acquisition time and cuts the sequence wherever
// the delta between neighbours exceeds gap. The clusters partition the input
// exactly: nothing is dropped or duplicated, and chronological order is
// preserved. Empty input yields no clusters.
func Split(exps []*exposure.Exposure, gap time.Duration) []Cluster {
	if len(exps) == 0 {
		return nil
	}
	sorted := make([]*exposure.Exposure, len(exps))
	copy(sorted, exps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var clusters []Cluster
	current := Cluster{sorted[0]}
	for _, e := range sorted[1:] {
		if e.Timestamp.Sub(current.Last().Timestamp) > gap {
			clusters = append(clusters, current)
			current = Cluster{e}
			continue
		}
		current = append(current, e)
	}
	return append(clusters, current)
}

// MinSize filters out clusters with fewer than n members. Tiny clusters
// (stray single frames) produce unusable masters.
func MinSize(clusters []Cluster, n int) []Cluster {
	var out []Cluster
	for _, c := range clusters {
		if len(c) >= n {
			out = append(out, c)
		}
	}
	return out
}
