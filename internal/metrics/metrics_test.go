package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.ObserveAdmission(AdmissionAdmitted)
	m.ObserveAdmission(AdmissionAdmitted)
	m.ObserveAdmission(AdmissionQuotaExceeded)
	m.ObserveExecution("duckdb", "COMPLETED", 0.2)
	m.ObserveQuotaConflict()
	m.ObserveStored(2048)
	m.ObserveDownload(DownloadBadToken)
	m.SetVaultSize(3, 4096)
	m.ObserveSweep(2, 0.01, false)
	m.ObserveSweep(0, 0.01, true)

	assert.InDelta(t, 2, testutil.ToFloat64(m.Admissions.WithLabelValues(AdmissionAdmitted)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Admissions.WithLabelValues(AdmissionQuotaExceeded)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Executions.WithLabelValues("duckdb", "COMPLETED")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.QuotaConflicts), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ResultsStored), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Downloads.WithLabelValues(DownloadBadToken)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.VaultEntries), 0)
	assert.InDelta(t, 4096, testutil.ToFloat64(m.VaultBytes), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.SweepEvicted), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SweepFailures), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAdmission(AdmissionAdmitted)
		m.ObserveExecution("duckdb", "FAILED", 1)
		m.ObserveQuotaConflict()
		m.ObserveStored(1)
		m.ObserveDownload(DownloadServed)
		m.SetVaultSize(0, 0)
		m.ObserveSweep(0, 0, false)
	})
}
