package observability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/observability"
)

var fixedNow = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func appendTarget() observability.Target {
	return observability.Target{
		SLOID:       "slo_append",
		Operation:   observability.OpAppend,
		LatencyP99:  100 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 24,
	}
}

func TestStatusCompliant(t *testing.T) {
	tr := observability.NewTracker().WithClock(fixedClock)
	tr.SetTarget(appendTarget())

	for i := 0; i < 100; i++ {
		tr.Record(observability.Observation{
			Operation: observability.OpAppend,
			Latency:   10 * time.Millisecond,
			Success:   true,
			At:        fixedNow.Add(-time.Hour),
		})
	}

	st, err := tr.Status(observability.OpAppend)
	require.NoError(t, err)
	assert.True(t, st.InCompliance)
	assert.Equal(t, 1.0, st.CurrentSuccess)
	assert.Equal(t, 100, st.ObservationCount)
}

func TestStatusBudgetBurn(t *testing.T) {
	tr := observability.NewTracker().WithClock(fixedClock)
	tr.SetTarget(appendTarget())

	// 5% errors against a 1% budget: burn rate 5, budget exhausted.
	for i := 0; i < 100; i++ {
		tr.Record(observability.Observation{
			Operation: observability.OpAppend,
			Latency:   10 * time.Millisecond,
			Success:   i >= 5,
			At:        fixedNow.Add(-time.Hour),
		})
	}

	st, err := tr.Status(observability.OpAppend)
	require.NoError(t, err)
	assert.False(t, st.InCompliance)
	assert.InDelta(t, 5.0, st.BurnRate, 0.01)
	assert.Equal(t, 0.0, st.ErrorBudgetLeft)
}

func TestStatusIgnoresObservationsOutsideWindow(t *testing.T) {
	tr := observability.NewTracker().WithClock(fixedClock)
	tr.SetTarget(appendTarget())

	tr.Record(observability.Observation{
		Operation: observability.OpAppend,
		Latency:   time.Second,
		Success:   false,
		At:        fixedNow.Add(-48 * time.Hour),
	})

	st, err := tr.Status(observability.OpAppend)
	require.NoError(t, err)
	assert.True(t, st.InCompliance)
	assert.Equal(t, 0, st.ObservationCount)
	assert.Equal(t, 100.0, st.ErrorBudgetLeft)
}

func TestStatusUnknownOperation(t *testing.T) {
	tr := observability.NewTracker()
	_, err := tr.Status("nope")
	require.Error(t, err)
}

func TestGateReportSealAndVerify(t *testing.T) {
	tr := observability.NewTracker().WithClock(fixedClock)
	tr.SetTarget(appendTarget())
	tr.SetTarget(observability.Target{
		SLOID:       "slo_deliver",
		Operation:   observability.OpDeliver,
		LatencyP99:  time.Second,
		SuccessRate: 0.95,
		WindowHours: 24,
	})
	tr.Record(observability.Observation{
		Operation: observability.OpAppend,
		Latency:   5 * time.Millisecond,
		Success:   true,
		At:        fixedNow.Add(-time.Hour),
	})

	rep, err := tr.BuildGateReport("2026-02-02T00:00:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, "SLOGateReport.v1", rep.SchemaVersion)
	assert.True(t, rep.ReportCore.Pass)
	assert.Len(t, rep.ReportCore.Statuses, 2)

	require.True(t, observability.VerifyGateReport(rep).OK)

	// Forging the pass flag breaks both the seal and the binding.
	forged := rep
	forged.ReportCore.Pass = false
	verdict := observability.VerifyGateReport(forged)
	assert.False(t, verdict.OK)
}
