package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Upload outcomes.
const (
	UploadSynced    = "synced"
	UploadRetrying  = "retrying"
	UploadFailed    = "failed"
	UploadIntegrity = "integrity"
	UploadStale     = "stale"
	UploadRetracted = "retracted"
)

// Merge outcomes.
const (
	MergeInserted    = "inserted"
	MergeOverwritten = "overwritten"
	MergeKeptLocal   = "kept_local"
	MergeUnchanged   = "unchanged"
	MergeSkipped     = "skipped"
)

// DiagnosticsMetrics covers capture, sync, enrichment and retention.
type DiagnosticsMetrics struct {
	captures    *prometheus.CounterVec
	uploads     *prometheus.CounterVec
	merges      *prometheus.CounterVec
	enrichments *prometheus.CounterVec
	sweeps      *prometheus.CounterVec
	pending     prometheus.Gauge
}

// NewDiagnosticsMetrics registers the diagnostics metrics on reg. A nil
// registerer yields a no-op recorder.
func NewDiagnosticsMetrics(reg prometheus.Registerer) *DiagnosticsMetrics {
	if reg == nil {
		return &DiagnosticsMetrics{}
	}
	m := &DiagnosticsMetrics{
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diagnostic_captures_total",
			Help: "Diagnostics captured, by urgency.",
		}, []string{"urgency"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diagnostic_uploads_total",
			Help: "Upload attempts, by outcome.",
		}, []string{"outcome"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diagnostic_merges_total",
			Help: "Remote records merged, by outcome.",
		}, []string{"outcome"}),
		enrichments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diagnostic_enrichments_total",
			Help: "Enrichment calls, by outcome.",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diagnostic_retention_deletions_total",
			Help: "Retention deletions, by scope and outcome.",
		}, []string{"scope", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "diagnostic_pending_uploads",
			Help: "Records awaiting upload at the start of the last sync cycle.",
		}),
	}
	reg.MustRegister(m.captures, m.uploads, m.merges, m.enrichments, m.sweeps, m.pending)
	return m
}

func (m *DiagnosticsMetrics) IncCapture(urgency string) {
	if m == nil || m.captures == nil {
		return
	}
	m.captures.WithLabelValues(normalizeLabel(urgency)).Inc()
}

func (m *DiagnosticsMetrics) IncUpload(outcome string) {
	if m == nil || m.uploads == nil {
		return
	}
	m.uploads.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *DiagnosticsMetrics) IncMerge(outcome string) {
	if m == nil || m.merges == nil {
		return
	}
	m.merges.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *DiagnosticsMetrics) IncEnrichment(outcome string) {
	if m == nil || m.enrichments == nil {
		return
	}
	m.enrichments.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncSweep records a retention deletion; scope is local, media or remote.
func (m *DiagnosticsMetrics) IncSweep(scope, outcome string) {
	if m == nil || m.sweeps == nil {
		return
	}
	m.sweeps.WithLabelValues(normalizeLabel(scope), normalizeLabel(outcome)).Inc()
}

func (m *DiagnosticsMetrics) SetPending(n int) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Set(float64(n))
}
