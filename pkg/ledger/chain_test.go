package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/ledger"
)

var fixedClock = func() time.Time {
	return time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
}

func draft(t *testing.T, streamID, eventType string, payload any) ledger.Draft {
	t.Helper()
	d, err := ledger.New().WithClock(fixedClock).CreateChainedEvent(
		streamID, eventType, contracts.Actor{Type: "agent", ID: "agt_1"}, payload, "")
	require.NoError(t, err)
	return d
}

func TestCreateChainedEvent(t *testing.T) {
	d := draft(t, "sess_1", "MESSAGE", map[string]any{"text": "hi"})

	assert.Equal(t, 1, d.V)
	assert.True(t, len(d.ID) > len("evt_"))
	assert.Equal(t, "2026-02-02T00:00:00.000Z", d.At)
	assert.True(t, canonicalize.IsDigest(d.PayloadHash))

	// payloadHash covers {v,id,at,streamId,type,actor,payload}.
	want, err := canonicalize.Hash(map[string]any{
		"v": 1, "id": d.ID, "at": d.At, "streamId": "sess_1", "type": "MESSAGE",
		"actor": contracts.Actor{Type: "agent", ID: "agt_1"},
		"payload": map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, want, d.PayloadHash)
}

func TestCreateChainedEventValidation(t *testing.T) {
	c := ledger.New().WithClock(fixedClock)
	actor := contracts.Actor{Type: "agent", ID: "agt_1"}

	_, err := c.CreateChainedEvent("bad stream", "MESSAGE", actor, nil, "")
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))

	_, err = c.CreateChainedEvent("sess_1", "MESSAGE", contracts.Actor{}, nil, "")
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))

	_, err = c.CreateChainedEvent("sess_1", "MESSAGE", actor, nil, "not-a-time")
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))
}

func TestFinalizeGenesis(t *testing.T) {
	d := draft(t, "sess_1", "MESSAGE", nil)

	e, err := ledger.FinalizeChainedEvent(d, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, e.PrevChainHash)
	require.NoError(t, ledger.VerifyEvent(e))

	want, err := canonicalize.Hash(map[string]any{
		"v": 1, "prevChainHash": nil, "payloadHash": e.PayloadHash,
	})
	require.NoError(t, err)
	assert.Equal(t, want, e.ChainHash)
}

func TestFinalizeLinksToPrev(t *testing.T) {
	e1, err := ledger.FinalizeChainedEvent(draft(t, "sess_1", "A", nil), nil, nil)
	require.NoError(t, err)

	e2, err := ledger.FinalizeChainedEvent(draft(t, "sess_1", "B", nil), &e1.ChainHash, nil)
	require.NoError(t, err)
	require.NotNil(t, e2.PrevChainHash)
	assert.Equal(t, e1.ChainHash, *e2.PrevChainHash)
	assert.NoError(t, ledger.VerifyEvent(e2))
}

func TestFinalizeSigns(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(kp.PrivatePEM)
	require.NoError(t, err)

	e, err := ledger.FinalizeChainedEvent(draft(t, "sess_1", "A", nil), nil, signer)
	require.NoError(t, err)
	assert.Equal(t, kp.KeyID, e.SignerKeyID)

	msg, err := ledger.SigningBytes(e)
	require.NoError(t, err)
	ok, err := crypto.Verify(msg, e.Signature, kp.PublicPEM)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyEventDetectsTampering(t *testing.T) {
	e, err := ledger.FinalizeChainedEvent(draft(t, "sess_1", "A", map[string]any{"n": 1}), nil, nil)
	require.NoError(t, err)

	tampered := e
	tampered.Payload = map[string]any{"n": 2}
	err = ledger.VerifyEvent(tampered)
	assert.Equal(t, fault.CodeEventIntegrityInvalid, fault.CodeOf(err))

	rehashed := e
	rehashed.ChainHash = "0000000000000000000000000000000000000000000000000000000000000000"
	err = ledger.VerifyEvent(rehashed)
	assert.Equal(t, fault.CodeEventIntegrityInvalid, fault.CodeOf(err))
}

func chainOf(t *testing.T, n int) []contracts.Event {
	t.Helper()
	events := make([]contracts.Event, 0, n)
	var prev *string
	for i := 0; i < n; i++ {
		e, err := ledger.FinalizeChainedEvent(draft(t, "sess_1", "STEP", map[string]any{"i": i}), prev, nil)
		require.NoError(t, err)
		events = append(events, e)
		h := e.ChainHash
		prev = &h
	}
	return events
}

func TestVerifyChainOK(t *testing.T) {
	report := ledger.VerifyChain(chainOf(t, 4))
	assert.True(t, report.OK)
	assert.Empty(t, report.Errors)
}

func TestVerifyChainEmptyOK(t *testing.T) {
	assert.True(t, ledger.VerifyChain(nil).OK)
}

func TestVerifyChainReportsFirstBreak(t *testing.T) {
	events := chainOf(t, 4)
	events[2].Payload = map[string]any{"i": 99}

	report := ledger.VerifyChain(events)
	require.False(t, report.OK)
	require.Len(t, report.Errors, 1, "verification stops at the first break")
	assert.Equal(t, "CHAIN_BROKEN_AT_INDEX_2", report.Errors[0].Code)
	assert.Equal(t, "events[2]", report.Errors[0].Path)
}

func TestVerifyChainDetectsRelink(t *testing.T) {
	events := chainOf(t, 3)
	// Splice event 1 out; event 2 no longer links to event 0.
	spliced := []contracts.Event{events[0], events[2]}

	report := ledger.VerifyChain(spliced)
	require.False(t, report.OK)
	assert.Equal(t, "CHAIN_BROKEN_AT_INDEX_1", report.Errors[0].Code)
}
