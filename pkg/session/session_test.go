package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/session"
	"github.com/settld-labs/settld/pkg/store"
	"github.com/settld-labs/settld/pkg/trust"
)

var fixedNow = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

const generatedAt = "2026-02-02T00:00:00.000Z"

func fixedClock() time.Time { return fixedNow }

func newSession(t *testing.T) (*session.Session, *store.Memory) {
	t.Helper()
	st := store.NewMemory().WithClock(fixedClock)
	s := session.New("tnt_1", []session.Participant{
		{AgentID: "agt_buyer", Role: "buyer"},
		{AgentID: "agt_provider", Role: "provider"},
	}, nil, fixedNow)
	return s, st
}

func agentActor(id string) contracts.Actor {
	return contracts.Actor{Type: "agent", ID: id}
}

func TestAppendChainsEvents(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	e1, snap1, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{"text": "hello"}, session.AppendOptions{ExpectedCursor: 0})
	require.NoError(t, err)
	assert.Nil(t, e1.PrevChainHash)
	assert.Equal(t, 1, snap1.EventCount)

	e2, snap2, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_provider"),
		map[string]any{"text": "hi"}, session.AppendOptions{ExpectedCursor: 1})
	require.NoError(t, err)
	require.NotNil(t, e2.PrevChainHash)
	assert.Equal(t, e1.ChainHash, *e2.PrevChainHash)
	assert.Equal(t, 2, snap2.EventCount)
}

func TestAppendStaleCursorConflicts(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	_, _, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{"text": "one"}, session.AppendOptions{ExpectedCursor: 0})
	require.NoError(t, err)

	_, _, err = session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{"text": "two"}, session.AppendOptions{ExpectedCursor: 0})
	require.Error(t, err)
	assert.Equal(t, fault.CodeSessionEventCursorConflict, fault.CodeOf(err))
	assert.Equal(t, 1, fault.DetailsOf(err)["expectedCursor"])
}

func TestAppendIdempotentReplay(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	opts := session.AppendOptions{ExpectedCursor: session.NoCursor, IdempotencyKey: "once"}
	e1, _, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{"text": "hello"}, opts)
	require.NoError(t, err)

	e2, snap, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{"text": "hello"}, opts)
	require.NoError(t, err)
	assert.Equal(t, e1.ID, e2.ID)
	assert.Equal(t, 1, snap.EventCount)
}

// An external-origin message taints itself, and every later event in the
// session is tainted with derivedFromEventId pointing at the nearest tainted
// ancestor.
func TestTaintPropagation(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	e1, _, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{
			"text":       "fetched from the web",
			"provenance": map[string]any{"label": "external"},
		}, session.AppendOptions{ExpectedCursor: session.NoCursor})
	require.NoError(t, err)

	e2, _, err := session.Append(ctx, st, s, "TASK_REQUESTED", agentActor("agt_buyer"),
		map[string]any{"task": "summarize"}, session.AppendOptions{ExpectedCursor: session.NoCursor})
	require.NoError(t, err)

	p1 := provenanceOf(t, e1)
	assert.True(t, p1.IsTainted)
	assert.Equal(t, "external", p1.Label)
	assert.Nil(t, p1.DerivedFromEventID)

	p2 := provenanceOf(t, e2)
	assert.True(t, p2.IsTainted)
	require.NotNil(t, p2.DerivedFromEventID)
	assert.Equal(t, e1.ID, *p2.DerivedFromEventID)
}

func provenanceOf(t *testing.T, e contracts.Event) session.Provenance {
	t.Helper()
	m, ok := e.Payload.(map[string]any)
	require.True(t, ok, "payload must be an object")
	p, ok := m["provenance"].(session.Provenance)
	require.True(t, ok, "payload must carry provenance")
	return p
}

func TestUntaintedSessionStaysUnmarked(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	e, _, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{"text": "hello"}, session.AppendOptions{ExpectedCursor: session.NoCursor})
	require.NoError(t, err)

	m := e.Payload.(map[string]any)
	_, has := m["provenance"]
	assert.False(t, has)
}

func sessionEvents(t *testing.T, st *store.Memory, s *session.Session) []contracts.Event {
	t.Helper()
	events, err := st.ListEvents(context.Background(), s.TenantID, s.SessionID, "", 0)
	require.NoError(t, err)
	return events
}

func TestReplayPackTaintedCount(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	_, _, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{
			"text":       "fetched from the web",
			"provenance": map[string]any{"label": "external"},
		}, session.AppendOptions{ExpectedCursor: session.NoCursor})
	require.NoError(t, err)
	_, _, err = session.Append(ctx, st, s, "TASK_REQUESTED", agentActor("agt_buyer"),
		map[string]any{"task": "summarize"}, session.AppendOptions{ExpectedCursor: session.NoCursor})
	require.NoError(t, err)

	pack, err := session.BuildReplayPack(s, sessionEvents(t, st, s), nil, generatedAt)
	require.NoError(t, err)

	assert.True(t, pack.Verification.ChainOK)
	assert.Equal(t, 2, pack.Verification.VerifiedEventCount)
	assert.True(t, pack.Verification.Provenance.OK)
	assert.Equal(t, 2, pack.Verification.Provenance.TaintedEventCount)

	r := session.VerifyReplayPack(pack, nil)
	assert.True(t, r.OK, "errors: %v", r.ErrorCodes())
}

func TestReplayPackEmptySession(t *testing.T) {
	s, _ := newSession(t)

	pack, err := session.BuildReplayPack(s, nil, nil, generatedAt)
	require.NoError(t, err)
	assert.Nil(t, pack.PackCore.HeadChainHash)
	assert.Equal(t, 0, pack.PackCore.EventCount)

	r := session.VerifyReplayPack(pack, nil)
	assert.True(t, r.OK, "errors: %v", r.ErrorCodes())
}

func TestReplayPackChainTamper(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, _, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
			map[string]any{"text": text}, session.AppendOptions{ExpectedCursor: session.NoCursor})
		require.NoError(t, err)
	}

	pack, err := session.BuildReplayPack(s, sessionEvents(t, st, s), nil, generatedAt)
	require.NoError(t, err)

	pack.PackCore.Events[1].Payload = map[string]any{"text": "altered"}
	r := session.VerifyReplayPack(pack, nil)
	assert.False(t, r.OK)
	assert.True(t, r.HasErrorCode(fault.CodeSessionReplayChainInvalid))
}

func TestReplayPackProvenanceTamper(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	_, _, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{
			"text":       "from outside",
			"provenance": map[string]any{"label": "external"},
		}, session.AppendOptions{ExpectedCursor: session.NoCursor})
	require.NoError(t, err)
	_, _, err = session.Append(ctx, st, s, "TASK_REQUESTED", agentActor("agt_buyer"),
		map[string]any{"task": "summarize"}, session.AppendOptions{ExpectedCursor: session.NoCursor})
	require.NoError(t, err)

	pack, err := session.BuildReplayPack(s, sessionEvents(t, st, s), nil, generatedAt)
	require.NoError(t, err)

	// Claim fewer tainted events than the chain carries.
	pack.Verification.Provenance.TaintedEventCount = 0
	r := session.VerifyReplayPack(pack, nil)
	assert.False(t, r.OK)
	assert.True(t, r.HasErrorCode(fault.CodeSessionReplayProvenanceInvalid))
}

func TestReplayPackSigned(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	_, _, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{"text": "hello"}, session.AppendOptions{ExpectedCursor: session.NoCursor})
	require.NoError(t, err)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(kp.PrivatePEM)
	require.NoError(t, err)

	pack, err := session.BuildReplayPack(s, sessionEvents(t, st, s), signer, generatedAt)
	require.NoError(t, err)
	assert.Equal(t, kp.KeyID, pack.SignerKeyID)
	assert.NotEmpty(t, pack.Signature)

	snap, err := trust.NewSnapshot(map[string][]trust.Key{
		trust.RoleGovernanceRoots: {{Name: "root-1", PublicKeyPEM: kp.PublicPEM}},
	})
	require.NoError(t, err)

	r := session.VerifyReplayPack(pack, snap)
	assert.True(t, r.OK, "errors: %v", r.ErrorCodes())

	pack.Signature = "AAAA" + pack.Signature[4:]
	r = session.VerifyReplayPack(pack, snap)
	assert.False(t, r.OK)
}

func TestTranscriptBindsSessionAndPack(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()

	_, _, err := session.Append(ctx, st, s, "MESSAGE", agentActor("agt_buyer"),
		map[string]any{
			"text":       "from outside",
			"provenance": map[string]any{"label": "external"},
		}, session.AppendOptions{ExpectedCursor: session.NoCursor})
	require.NoError(t, err)

	pack, err := session.BuildReplayPack(s, sessionEvents(t, st, s), nil, generatedAt)
	require.NoError(t, err)

	tr, err := session.BuildTranscript(s, pack, nil, generatedAt)
	require.NoError(t, err)
	require.Len(t, tr.TranscriptCore.Entries, 1)
	assert.True(t, tr.TranscriptCore.Entries[0].Tainted)

	r := session.VerifyTranscript(tr, s, &pack)
	assert.True(t, r.OK, "errors: %v", r.ErrorCodes())

	other := session.New("tnt_1", nil, nil, fixedNow)
	r = session.VerifyTranscript(tr, other, &pack)
	assert.False(t, r.OK)
	assert.True(t, r.HasErrorCode(fault.CodeCrossArtifactBindingMismatch))
}
