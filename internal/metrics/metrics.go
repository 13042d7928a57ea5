// Package metrics provides Prometheus metrics for the calibration pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the calibration pipeline.
type Metrics struct {
	// Light frame outcomes
	FramesReduced  *prometheus.CounterVec
	FramesDegraded *prometheus.CounterVec
	FramesFailed   *prometheus.CounterVec

	// Master frame construction
	MastersBuilt   *prometheus.CounterVec
	BuildsRejected *prometheus.CounterVec

	// Resolver behavior
	ResolverDayOffset *prometheus.HistogramVec
	ResolverMisses    *prometheus.CounterVec

	// Pending ledger
	LedgerAppends  prometheus.Counter
	LedgerDrained  prometheus.Counter
	PendingEntries prometheus.Gauge

	// Archive
	ArchivedBytes prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "calib_pipeline"
	}

	m := &Metrics{
		FramesReduced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_reduced_total",
				Help:      "Light frames reduced with same-night calibration",
			},
			[]string{"binning", "filter"},
		),
		FramesDegraded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_degraded_total",
				Help:      "Light frames reduced with stale (non-zero offset) calibration",
			},
			[]string{"binning", "filter"},
		),
		FramesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_failed_total",
				Help:      "Light frames with no usable calibration within the horizon",
			},
			[]string{"binning", "filter"},
		),
		MastersBuilt: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "masters_built_total",
				Help:      "Master calibration frames constructed",
			},
			[]string{"category", "binning"},
		),
		BuildsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_rejected_total",
				Help:      "Cluster builds aborted (binning mismatch, too few frames)",
			},
			[]string{"category", "reason"},
		),
		ResolverDayOffset: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolver_day_offset",
				Help:      "Absolute day offset of resolved master frames",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1 to ~512 days
			},
			[]string{"category"},
		),
		ResolverMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_misses_total",
				Help:      "Resolutions that exhausted the search horizon",
			},
			[]string{"category"},
		),
		LedgerAppends: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_appends_total",
				Help:      "Entries appended to the pending ledger",
			},
		),
		LedgerDrained: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_drained_total",
				Help:      "Entries drained by retry passes",
			},
		),
		PendingEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_entries",
				Help:      "Entries in the pending ledger after the last pass",
			},
		),
		ArchivedBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archived_bytes_total",
				Help:      "Raw bytes mirrored into the calibration store",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncOutcome increments the counter matching a reduction outcome string
// ("reduced", "degraded", "failed").
func (m *Metrics) IncOutcome(outcome, binning, filter string) {
	if m == nil {
		return
	}
	switch outcome {
	case "reduced":
		m.FramesReduced.WithLabelValues(binning, filter).Inc()
	case "degraded":
		m.FramesDegraded.WithLabelValues(binning, filter).Inc()
	case "failed":
		m.FramesFailed.WithLabelValues(binning, filter).Inc()
	}
}

// IncMasterBuilt increments the master construction counter.
func (m *Metrics) IncMasterBuilt(category, binning string) {
	if m == nil {
		return
	}
	m.MastersBuilt.WithLabelValues(category, binning).Inc()
}

// IncBuildRejected increments the rejected-build counter.
func (m *Metrics) IncBuildRejected(category, reason string) {
	if m == nil {
		return
	}
	m.BuildsRejected.WithLabelValues(category, reason).Inc()
}

// ObserveResolverOffset records the magnitude of one resolved day offset.
func (m *Metrics) ObserveResolverOffset(category string, days int) {
	if m == nil {
		return
	}
	if days < 0 {
		days = -days
	}
	m.ResolverDayOffset.WithLabelValues(category).Observe(float64(days))
}

// IncResolverMiss increments the exhausted-horizon counter.
func (m *Metrics) IncResolverMiss(category string) {
	if m == nil {
		return
	}
	m.ResolverMisses.WithLabelValues(category).Inc()
}
