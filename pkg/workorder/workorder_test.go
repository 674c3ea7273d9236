package workorder_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/workorder"
)

var now = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

func order(t *testing.T) *workorder.Order {
	t.Helper()
	o, err := workorder.New("t1", "index the corpus", 1000, 5000, "USD", now)
	require.NoError(t, err)
	return o
}

func topUp(id, key string, amount int64) workorder.TopUp {
	return workorder.TopUp{
		TopUpID: id, EventKey: key, AmountCents: amount, Quantity: 1,
		Currency: "USD", OccurredAt: "2026-02-02T01:00:00Z",
	}
}

func TestStateMachine(t *testing.T) {
	o := order(t)
	require.NoError(t, o.Transition(workorder.StateAccepted, now))
	require.NoError(t, o.Transition(workorder.StateInProgress, now))
	require.NoError(t, o.Transition(workorder.StateCompleted, now))

	// Completed cannot go back to in_progress.
	err := o.Transition(workorder.StateInProgress, now)
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))
}

func TestApplyTopUpMetering(t *testing.T) {
	o := order(t)
	require.NoError(t, o.ApplyTopUp(topUp("tu_1", "tokens", 200)))
	require.NoError(t, o.ApplyTopUp(topUp("tu_2", "storage", 300)))

	m, err := o.Metering()
	require.NoError(t, err)
	assert.Equal(t, int64(500), m.TopUpTotalCents)
	assert.Equal(t, int64(1500), m.CoveredAmountCents)
	assert.Equal(t, int64(3500), m.RemainingCents)

	// meterDigest = sha256(canonical([meter1Hash, meter2Hash])).
	want, err := canonicalize.Hash([]string{o.Meters[0].Hash, o.Meters[1].Hash})
	require.NoError(t, err)
	assert.Equal(t, want, m.MeterDigest)
}

func TestApplyTopUpDuplicatesRejectedAtomically(t *testing.T) {
	o := order(t)
	require.NoError(t, o.ApplyTopUp(topUp("tu_1", "tokens", 200)))

	err := o.ApplyTopUp(topUp("tu_1", "other", 100))
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))
	err = o.ApplyTopUp(topUp("tu_2", "tokens", 100))
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))

	// No partial mutation.
	assert.Len(t, o.Meters, 1)
	m, err := o.Metering()
	require.NoError(t, err)
	assert.Equal(t, int64(200), m.TopUpTotalCents)
}

func TestRemainingNeverNegative(t *testing.T) {
	o := order(t)
	require.NoError(t, o.ApplyTopUp(topUp("tu_1", "tokens", 9000)))

	m, err := o.Metering()
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.RemainingCents)
}

func TestSettleChecksReleasedAmount(t *testing.T) {
	o := order(t)
	require.NoError(t, o.Transition(workorder.StateAccepted, now))
	require.NoError(t, o.Transition(workorder.StateInProgress, now))
	require.NoError(t, o.ApplyTopUp(topUp("tu_1", "tokens", 500)))
	require.NoError(t, o.Transition(workorder.StateCompleted, now))

	err := o.Settle(100, now)
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))
	assert.Equal(t, workorder.StateCompleted, o.State)

	require.NoError(t, o.Settle(1500, now))
	assert.Equal(t, workorder.StateSettled, o.State)
}

func completedOrder(t *testing.T) *workorder.Order {
	t.Helper()
	o := order(t)
	require.NoError(t, o.Transition(workorder.StateAccepted, now))
	require.NoError(t, o.Transition(workorder.StateInProgress, now))
	require.NoError(t, o.ApplyTopUp(topUp("tu_1", "tokens", 200)))
	require.NoError(t, o.Transition(workorder.StateCompleted, now))
	return o
}

func TestCompletionReceipt(t *testing.T) {
	o := completedOrder(t)
	o.X402GateID = "gate_1"
	o.X402RunID = "run_1"

	rc, err := workorder.BuildCompletionReceipt(o, []string{"http:request_sha256:" + canonicalize.HashBytes([]byte("req"))}, "2026-02-02T02:00:00.000Z")
	require.NoError(t, err)
	require.NotNil(t, rc.ReceiptCore.X402GateID)
	assert.Equal(t, "gate_1", *rc.ReceiptCore.X402GateID)
	assert.Equal(t, int64(1200), rc.ReceiptCore.CoveredAmountCents)

	r := workorder.VerifyCompletionReceipt(rc, o)
	assert.True(t, r.OK)

	// A later top-up changes the digest; the receipt no longer binds.
	require.NoError(t, o.ApplyTopUp(topUp("tu_2", "storage", 100)))
	r = workorder.VerifyCompletionReceipt(rc, o)
	assert.True(t, r.HasErrorCode(fault.CodeCrossArtifactBindingMismatch))
}

func TestCompletionReceiptRequiresCompleted(t *testing.T) {
	o := order(t)
	_, err := workorder.BuildCompletionReceipt(o, nil, "2026-02-02T02:00:00.000Z")
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))
}

func TestMeteringSnapshotRoundTrip(t *testing.T) {
	o := completedOrder(t)

	s, err := workorder.BuildMeteringSnapshot(o, "2026-02-02T02:00:00.000Z")
	require.NoError(t, err)
	assert.True(t, workorder.VerifyMeteringSnapshot(s).OK)

	s.SnapshotCore.Meters[0].AmountCents = 1
	r := workorder.VerifyMeteringSnapshot(s)
	assert.False(t, r.OK)
	assert.True(t, r.HasErrorCode(fault.CodeArtifactHashMismatch))
}
