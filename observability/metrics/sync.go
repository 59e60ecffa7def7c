package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics exposes the reconciliation engine's operational counters.
type SyncMetrics struct {
	scansTotal      *prometheus.CounterVec
	scanDegraded    prometheus.Counter
	probesTotal     prometheus.Counter
	probeHits       prometheus.Counter
	mergesTotal     prometheus.Counter
	mergeConflicts  prometheus.Counter
	readSkips       *prometheus.CounterVec
	mutationsTotal  *prometheus.CounterVec
	finalityLatency *prometheus.HistogramVec
	cacheSize       prometheus.Gauge
}

var (
	syncOnce     sync.Once
	syncRegistry *SyncMetrics
)

// Sync returns the process-wide engine metrics, registering them on first use.
func Sync() *SyncMetrics {
	syncOnce.Do(func() {
		syncRegistry = &SyncMetrics{
			scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "invoice_sync_scans_total",
				Help: "Event window scans by outcome.",
			}, []string{"outcome"}),
			scanDegraded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "invoice_sync_scan_degraded_total",
				Help: "Scans that fell back to enumeration after a rejected range query.",
			}),
			probesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "invoice_sync_probes_total",
				Help: "Point reads issued by the fallback enumerator.",
			}),
			probeHits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "invoice_sync_probe_hits_total",
				Help: "Fallback probes that discovered an entity.",
			}),
			mergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "invoice_sync_merges_total",
				Help: "Entities merged into the reconciliation cache.",
			}),
			mergeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "invoice_sync_merge_conflicts_total",
				Help: "Merges rejected because immutable fields disagreed.",
			}),
			readSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "invoice_sync_read_skips_total",
				Help: "Per-entity reads skipped after transient failures, by source.",
			}, []string{"source"}),
			mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "invoice_mutations_total",
				Help: "Ledger write calls by call name and terminal state.",
			}, []string{"call", "state"}),
			finalityLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "invoice_mutation_finality_seconds",
				Help:    "Time from submission to observed finality.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			}, []string{"call"}),
			cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "invoice_cache_entities",
				Help: "Entities currently held in the reconciliation cache.",
			}),
		}
		prometheus.MustRegister(
			syncRegistry.scansTotal,
			syncRegistry.scanDegraded,
			syncRegistry.probesTotal,
			syncRegistry.probeHits,
			syncRegistry.mergesTotal,
			syncRegistry.mergeConflicts,
			syncRegistry.readSkips,
			syncRegistry.mutationsTotal,
			syncRegistry.finalityLatency,
			syncRegistry.cacheSize,
		)
	})
	return syncRegistry
}

// ObserveScan records one scan attempt with its outcome label.
func (m *SyncMetrics) ObserveScan(outcome string) {
	if m == nil {
		return
	}
	m.scansTotal.WithLabelValues(outcome).Inc()
	if outcome == "degraded" {
		m.scanDegraded.Inc()
	}
}

// ObserveProbe records one enumerator point read and whether it hit.
func (m *SyncMetrics) ObserveProbe(hit bool) {
	if m == nil {
		return
	}
	m.probesTotal.Inc()
	if hit {
		m.probeHits.Inc()
	}
}

// ObserveMerge records merged entity counts and any conflicts detected.
func (m *SyncMetrics) ObserveMerge(merged, conflicts int) {
	if m == nil {
		return
	}
	m.mergesTotal.Add(float64(merged))
	if conflicts > 0 {
		m.mergeConflicts.Add(float64(conflicts))
	}
}

// ObserveReadSkip records a transient per-entity read failure by source.
func (m *SyncMetrics) ObserveReadSkip(source string) {
	if m == nil {
		return
	}
	m.readSkips.WithLabelValues(source).Inc()
}

// ObserveMutation records a write call reaching a terminal state.
func (m *SyncMetrics) ObserveMutation(call, state string, seconds float64) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(call, state).Inc()
	if state == "finalized" {
		m.finalityLatency.WithLabelValues(call).Observe(seconds)
	}
}

// SetCacheSize publishes the current cache population.
func (m *SyncMetrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}
