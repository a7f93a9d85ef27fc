// Package metrics defines the Prometheus collectors of the governance service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "adhoc"

// Admission outcomes.
const (
	AdmissionAdmitted      = "admitted"
	AdmissionQuotaExceeded = "quota_exceeded"
	AdmissionRejected      = "rejected"
)

// Download outcomes.
const (
	DownloadServed      = "served"
	DownloadBadToken    = "invalid_token"
	DownloadNotFound    = "not_found"
	DownloadUnsupported = "unsupported_format"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// which keeps tests and CLI commands free of registry plumbing.
type Metrics struct {
	Admissions        *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	QuotaConflicts    prometheus.Counter
	ResultsStored     prometheus.Counter
	ResultBytes       prometheus.Histogram
	Downloads         *prometheus.CounterVec
	VaultEntries      prometheus.Gauge
	VaultBytes        prometheus.Gauge
	SweepEvicted      prometheus.Counter
	SweepFailures     prometheus.Counter
	SweepDuration     prometheus.Histogram
}

// New creates and registers the collectors on reg (default registerer if nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "governor", Name: "admissions_total",
			Help: "Submissions by admission outcome",
		}, []string{"outcome"}),
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "governor", Name: "executions_total",
			Help: "Executions by engine and terminal status",
		}, []string{"engine", "status"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "governor", Name: "execution_duration_seconds",
			Help:    "Wall time of engine calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"engine"}),
		QuotaConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "quota", Name: "cas_conflicts_total",
			Help: "Quota writes that lost an optimistic-concurrency race",
		}),
		ResultsStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "vault", Name: "results_stored_total",
			Help: "Results written to the vault",
		}),
		ResultBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "vault", Name: "result_bytes",
			Help:    "Serialized size of stored results",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "vault", Name: "downloads_total",
			Help: "Download requests by outcome",
		}, []string{"outcome"}),
		VaultEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "vault", Name: "entries",
			Help: "Entries currently held by the in-memory vault",
		}),
		VaultBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "vault", Name: "bytes",
			Help: "Bytes currently held by the in-memory vault",
		}),
		SweepEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reclaim", Name: "evicted_total",
			Help: "Expired results evicted by the reclaim sweep",
		}),
		SweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reclaim", Name: "failures_total",
			Help: "Reclaim sweeps that returned an error or panicked",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "reclaim", Name: "sweep_duration_seconds",
			Help:    "Duration of reclaim sweeps",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveAdmission counts one admission decision.
func (m *Metrics) ObserveAdmission(outcome string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(outcome).Inc()
}

// ObserveExecution counts a terminal execution and its engine time.
func (m *Metrics) ObserveExecution(engine, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(engine, status).Inc()
	if seconds > 0 {
		m.ExecutionDuration.WithLabelValues(engine).Observe(seconds)
	}
}

// ObserveQuotaConflict counts a lost quota CAS.
func (m *Metrics) ObserveQuotaConflict() {
	if m == nil {
		return
	}
	m.QuotaConflicts.Inc()
}

// ObserveStored counts a stored result.
func (m *Metrics) ObserveStored(size int) {
	if m == nil {
		return
	}
	m.ResultsStored.Inc()
	m.ResultBytes.Observe(float64(size))
}

// ObserveDownload counts a download request.
func (m *Metrics) ObserveDownload(outcome string) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(outcome).Inc()
}

// SetVaultSize records the current vault footprint.
func (m *Metrics) SetVaultSize(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.VaultEntries.Set(float64(entries))
	m.VaultBytes.Set(float64(bytes))
}

// ObserveSweep records one reclaim sweep.
func (m *Metrics) ObserveSweep(evicted int, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.SweepEvicted.Add(float64(evicted))
	m.SweepDuration.Observe(seconds)
	if failed {
		m.SweepFailures.Inc()
	}
}
