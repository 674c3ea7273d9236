package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/api"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/store"
)

var fixedNow = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

const (
	testKeyID  = "key_test"
	testSecret = "s3cret"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory().WithClock(fixedClock)
	require.NoError(t, st.PutAuthKey(context.Background(), contracts.AuthKey{
		KeyID:      testKeyID,
		TenantID:   "tnt_1",
		SecretHash: api.HashSecret(testSecret),
		Status:     contracts.AuthKeyActive,
	}))
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(pair.PrivatePEM)
	require.NoError(t, err)
	srv := api.NewServer(st).
		WithSigner(signer).
		WithClock(fixedClock).
		WithOpsSecret("ops-secret")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func do(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("x-api-key", testKeyID+":"+testSecret)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/streams/s1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, fault.CodeAuthKeyMissing, problem["code"])
}

func TestAuthBadSecret(t *testing.T) {
	ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/streams/s1/events", nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", testKeyID+":wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRevokedKey(t *testing.T) {
	ts, st := newTestServer(t)
	require.NoError(t, st.PutAuthKey(context.Background(), contracts.AuthKey{
		KeyID:      "key_revoked",
		TenantID:   "tnt_1",
		SecretHash: api.HashSecret("x"),
		Status:     contracts.AuthKeyRevoked,
	}))
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/streams/s1/events", nil)
	require.NoError(t, err)
	req.Header.Set("x-api-key", "key_revoked:x")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func appendBody(eventType string) map[string]any {
	return map[string]any{
		"type":    eventType,
		"actor":   map[string]any{"type": "agent", "id": "agt_1"},
		"payload": map[string]any{"n": 1},
	}
}

func TestStreamAppendAndList(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/streams/s1/events", appendBody("work.started"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	event := body["event"].(map[string]any)
	assert.NotEmpty(t, event["chainHash"])
	assert.NotEmpty(t, event["signature"])
	snap := body["streamSnapshot"].(map[string]any)
	assert.Equal(t, float64(1), snap["eventCount"])

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/streams/s1/events", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]any)
	assert.Len(t, events, 1)
}

func TestStreamAppendConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/streams/s1/events", appendBody("work.started"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	head := body["event"].(map[string]any)["chainHash"].(string)

	// A writer asserting the pre-append head loses and learns the live head.
	resp, body = do(t, http.MethodPost, ts.URL+"/v1/streams/s1/events", appendBody("work.progress"),
		map[string]string{"x-proxy-expected-prev-chain-hash": "sha256:0000"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, fault.CodeOptimisticConcurrencyConflict, body["code"])
	details := body["details"].(map[string]any)
	assert.Equal(t, head, details["expectedPrevChainHash"])

	// Retrying with the live head succeeds.
	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/streams/s1/events", appendBody("work.progress"),
		map[string]string{"x-proxy-expected-prev-chain-hash": head})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestStreamAppendIdempotentReplay(t *testing.T) {
	ts, _ := newTestServer(t)
	h := map[string]string{"x-idempotency-key": "idem-1"}

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/streams/s1/events", appendBody("work.started"), h)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := body["event"].(map[string]any)["id"]

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/streams/s1/events", appendBody("work.started"), h)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, first, body["event"].(map[string]any)["id"])

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/streams/s1/events", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"].([]any), 1)
}

func TestProxyTenantMismatch(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := do(t, http.MethodPost, ts.URL+"/v1/streams/s1/events", appendBody("work.started"),
		map[string]string{"x-proxy-tenant-id": "tnt_other"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, fault.CodeSignerNotTrusted, body["code"])
}

func greenPolicy() map[string]any {
	return map[string]any{
		"mode":                      "conditional",
		"autoReleaseOnGreen":        true,
		"autoReleaseOnAmber":        false,
		"autoReleaseOnRed":          false,
		"greenReleaseRatePct":       100,
		"amberReleaseRatePct":       50,
		"redReleaseRatePct":         0,
		"maxAutoReleaseAmountCents": nil,
	}
}

func createGate(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, body := do(t, http.MethodPost, ts.URL+"/v1/gates", map[string]any{
		"payerAgentId": "agt_buyer",
		"payeeAgentId": "agt_provider",
		"amountCents":  10000,
		"currency":     "USD",
		"policy":       greenPolicy(),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["gateId"].(string)
}

func TestGateLifecycleAndVerify(t *testing.T) {
	ts, _ := newTestServer(t)
	gateID := createGate(t, ts)

	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/gates/"+gateID+"/authorize", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/gates/"+gateID+"/verify", map[string]any{
		"runStatus":          "completed",
		"verificationStatus": "green",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	settlement := body["settlement"].(map[string]any)
	core := settlement["settlementCore"].(map[string]any)
	assert.Equal(t, "released", core["resolution"])
	assert.Equal(t, float64(10000), core["releasedAmountCents"])
	receiptID := core["receiptId"].(string)

	// The sealed receipt is retrievable as a stored artifact.
	resp, stored := do(t, http.MethodGet,
		ts.URL+"/v1/artifacts/X402SettlementReceipt.v1/"+receiptID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, settlement["settlementHash"], stored["settlementHash"])
}

func TestGateSuspendedAgent(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/agents", map[string]any{"agentId": "agt_buyer"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/agents/agt_buyer/lifecycle",
		map[string]any{"lifecycle": "suspended"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/gates", map[string]any{
		"payerAgentId": "agt_buyer",
		"payeeAgentId": "agt_provider",
		"amountCents":  500,
		"currency":     "USD",
		"policy":       greenPolicy(),
	}, nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, fault.CodeX402AgentSuspended, body["code"])
}

func TestGateThrottledAgent(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/agents", map[string]any{"agentId": "agt_provider"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/agents/agt_provider/lifecycle",
		map[string]any{"lifecycle": "throttled"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/gates", map[string]any{
		"payerAgentId": "agt_buyer",
		"payeeAgentId": "agt_provider",
		"amountCents":  500,
		"currency":     "USD",
		"policy":       greenPolicy(),
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, fault.CodeX402AgentThrottled, body["code"])
}

func TestWorkOrderFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/work-orders", map[string]any{
		"description":     "render batch",
		"baseAmountCents": 1000,
		"maxCostCents":    5000,
		"currency":        "USD",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderID := body["workOrderId"].(string)

	for _, state := range []string{"accepted", "in_progress"} {
		resp, _ = do(t, http.MethodPost, ts.URL+"/v1/work-orders/"+orderID+"/transition",
			map[string]any{"state": state}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, state)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/work-orders/"+orderID+"/top-ups", map[string]any{
		"topUpId":     "tu_1",
		"eventKey":    "ek_1",
		"amountCents": 700,
		"quantity":    7,
		"currency":    "USD",
		"occurredAt":  "2026-02-02T00:00:00.000Z",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	metering := body["metering"].(map[string]any)
	assert.Equal(t, float64(1700), metering["coveredAmountCents"])

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/work-orders/"+orderID+"/transition",
		map[string]any{"state": "completed"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt := body["completionReceipt"].(map[string]any)
	core := receipt["receiptCore"].(map[string]any)
	assert.Equal(t, float64(1700), core["coveredAmountCents"])
	assert.NotEmpty(t, receipt["receiptHash"])

	// Settling with the wrong released amount is rejected.
	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/work-orders/"+orderID+"/settle",
		map[string]any{"releasedAmountCents": 999}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/work-orders/"+orderID+"/settle",
		map[string]any{"releasedAmountCents": 1700}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "settled", body["state"])
}

func TestSessionAppendAndCursorConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]any{
		"participants": []map[string]any{{"agentId": "agt_1", "role": "buyer"}},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := body["sessionId"].(string)

	eventBody := map[string]any{
		"type":    "message",
		"actor":   map[string]any{"type": "agent", "id": "agt_1"},
		"payload": map[string]any{"text": "hi"},
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/sessions/"+sessionID+"/events", eventBody, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	stale := map[string]any{
		"type":           "message",
		"actor":          map[string]any{"type": "agent", "id": "agt_1"},
		"payload":        map[string]any{"text": "again"},
		"expectedCursor": 0,
	}
	resp, body = do(t, http.MethodPost, ts.URL+"/v1/sessions/"+sessionID+"/events", stale, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, fault.CodeSessionEventCursorConflict, body["code"])
	details := body["details"].(map[string]any)
	assert.Equal(t, float64(1), details["expectedCursor"])
}

func TestSessionReplayPackEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]any{}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := body["sessionId"].(string)

	for i := 0; i < 2; i++ {
		resp, _ = do(t, http.MethodPost, ts.URL+"/v1/sessions/"+sessionID+"/events", map[string]any{
			"type":    "message",
			"actor":   map[string]any{"type": "agent", "id": "agt_1"},
			"payload": map[string]any{"seq": i},
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/sessions/"+sessionID+"/replay-pack", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SessionReplayPack.v1", body["schemaVersion"])
	verification := body["verification"].(map[string]any)
	assert.Equal(t, true, verification["chainOk"])
	core := body["packCore"].(map[string]any)
	assert.Equal(t, float64(2), core["eventCount"])
}

func TestOpsAuditGuard(t *testing.T) {
	ts, _ := newTestServer(t)

	// Admin mutations land in the audit log.
	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/agents", map[string]any{"agentId": "agt_x"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// No bearer token: rejected even with a valid api key.
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/ops/audit", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	claims := jwt.MapClaims{
		"sub":       "ops@example.test",
		"tenant_id": "tnt_1",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("ops-secret"))
	require.NoError(t, err)

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/ops/audit", nil,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]any)
	require.NotEmpty(t, entries)
	found := false
	for _, e := range entries {
		if e.(map[string]any)["action"] == "agent.create" {
			found = true
		}
	}
	assert.True(t, found, "agent.create audit entry missing")
}

func TestProblemBodyShape(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := do(t, http.MethodPost, ts.URL+"/v1/gates", map[string]any{
		"payerAgentId": "agt_buyer",
		"payeeAgentId": "agt_provider",
		"amountCents":  0,
		"currency":     "USD",
		"policy":       greenPolicy(),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, fault.CodeSchemaInvalid, body["code"])
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
}

func TestUnknownArtifactIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/artifacts/X402SettlementReceipt.v1/rcpt_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitKicksIn(t *testing.T) {
	st := store.NewMemory().WithClock(fixedClock)
	require.NoError(t, st.PutAuthKey(context.Background(), contracts.AuthKey{
		KeyID:      testKeyID,
		TenantID:   "tnt_1",
		SecretHash: api.HashSecret(testSecret),
		Status:     contracts.AuthKeyActive,
	}))
	srv := api.NewServer(st).WithClock(fixedClock).WithLimiter(api.NewLocalLimiter(60))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var last int
	for i := 0; i < 70; i++ {
		resp, _ := do(t, http.MethodGet, fmt.Sprintf("%s/v1/streams/s%d/events", ts.URL, i), nil, nil)
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
