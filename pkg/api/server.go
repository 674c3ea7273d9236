package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/outbox"
	"github.com/settld-labs/settld/pkg/store"
	"github.com/settld-labs/settld/pkg/trust"
)

// Record types for domain state kept in the artifact store.
const (
	recGate      = "x402Gate"
	recAgent     = "x402Agent"
	recWorkOrder = "workOrder"
	recSession   = "session"
)

// Server wires the HTTP surface over one store, one service signer, and the
// trust snapshot loaded at boot.
type Server struct {
	st        store.Store
	signer    *crypto.Signer
	trust     *trust.Snapshot
	router    *outbox.Router
	limiter   Limiter
	logger    *slog.Logger
	opsSecret string
	now       func() time.Time
}

// NewServer builds a server with a local limiter and slog default logger.
func NewServer(st store.Store) *Server {
	return &Server{
		st:      st,
		limiter: NewLocalLimiter(600),
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithSigner sets the service signing key used to finalize appended events
// and seal derived artifacts.
func (s *Server) WithSigner(signer *crypto.Signer) *Server {
	s.signer = signer
	return s
}

// WithTrust sets the pinned trust snapshot used by verification routes.
func (s *Server) WithTrust(snap *trust.Snapshot) *Server {
	s.trust = snap
	return s
}

// WithRouter enables outbox fan-out of sealed artifacts.
func (s *Server) WithRouter(r *outbox.Router) *Server {
	s.router = r
	return s
}

// WithLimiter replaces the in-process rate limiter.
func (s *Server) WithLimiter(l Limiter) *Server {
	s.limiter = l
	return s
}

// WithLogger replaces the request logger.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

// WithOpsSecret enables the JWT-guarded ops routes.
func (s *Server) WithOpsSecret(secret string) *Server {
	s.opsSecret = secret
	return s
}

// WithClock fixes the server clock. Tests use this.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	auth := Authenticate(s.st)

	mux.Handle("POST /v1/streams/{streamId}/events", auth(http.HandlerFunc(s.handleStreamAppend)))
	mux.Handle("GET /v1/streams/{streamId}/events", auth(http.HandlerFunc(s.handleStreamList)))

	mux.Handle("POST /v1/sessions", auth(http.HandlerFunc(s.handleSessionCreate)))
	mux.Handle("POST /v1/sessions/{sessionId}/events", auth(http.HandlerFunc(s.handleSessionAppend)))
	mux.Handle("GET /v1/sessions/{sessionId}/replay-pack", auth(http.HandlerFunc(s.handleSessionReplayPack)))
	mux.Handle("GET /v1/sessions/{sessionId}/transcript", auth(http.HandlerFunc(s.handleSessionTranscript)))

	mux.Handle("POST /v1/agents", auth(http.HandlerFunc(s.handleAgentCreate)))
	mux.Handle("POST /v1/agents/{agentId}/lifecycle", auth(http.HandlerFunc(s.handleAgentLifecycle)))

	mux.Handle("POST /v1/gates", auth(http.HandlerFunc(s.handleGateCreate)))
	mux.Handle("POST /v1/gates/{gateId}/authorize", auth(http.HandlerFunc(s.handleGateAuthorize)))
	mux.Handle("POST /v1/gates/{gateId}/verify", auth(http.HandlerFunc(s.handleGateVerify)))
	mux.Handle("POST /v1/gates/{gateId}/reversal", auth(http.HandlerFunc(s.handleGateReversal)))
	mux.Handle("GET /v1/gates/{gateId}", auth(http.HandlerFunc(s.handleGateGet)))

	mux.Handle("POST /v1/work-orders", auth(http.HandlerFunc(s.handleOrderCreate)))
	mux.Handle("POST /v1/work-orders/{orderId}/transition", auth(http.HandlerFunc(s.handleOrderTransition)))
	mux.Handle("POST /v1/work-orders/{orderId}/top-ups", auth(http.HandlerFunc(s.handleOrderTopUp)))
	mux.Handle("POST /v1/work-orders/{orderId}/settle", auth(http.HandlerFunc(s.handleOrderSettle)))
	mux.Handle("GET /v1/work-orders/{orderId}/metering", auth(http.HandlerFunc(s.handleOrderMetering)))

	mux.Handle("GET /v1/artifacts/{artifactType}/{artifactId}", auth(http.HandlerFunc(s.handleArtifactGet)))

	ops := OpsJWT(s.opsSecret)
	mux.Handle("GET /v1/ops/audit", ops(http.HandlerFunc(s.handleOpsAudit)))

	var h http.Handler = mux
	h = RateLimit(s.limiter, s.logger)(h)
	h = LogRequests(s.logger)(h)
	h = Recover(s.logger)(h)
	return h
}

// decodeBody parses the JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.CodeSchemaInvalid, "invalid request body", err)
	}
	return nil
}

// tenantFor resolves the effective tenant: the authenticated tenant, which
// must agree with x-proxy-tenant-id when the proxy header is present.
func tenantFor(r *http.Request) (string, error) {
	authed, ok := TenantFrom(r.Context())
	if !ok {
		return "", fault.New(fault.CodeAuthKeyMissing, "no authenticated tenant")
	}
	if proxied := r.Header.Get("x-proxy-tenant-id"); proxied != "" && proxied != authed {
		return "", fault.Newf(fault.CodeSignerNotTrusted,
			"proxy tenant %s does not match authenticated tenant", proxied)
	}
	return authed, nil
}

// putRecord serializes v into the artifact store under (tenant, typ, id).
func (s *Server) putRecord(ctx context.Context, tenantID, typ, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fault.Wrap(fault.CodeSchemaInvalid, "encode record", err)
	}
	return s.st.PutArtifact(ctx, contracts.ArtifactRecord{
		TenantID:  tenantID,
		Type:      typ,
		ID:        id,
		Body:      body,
		CreatedAt: s.now(),
	})
}

func (s *Server) getRecord(ctx context.Context, tenantID, typ, id string, v any) error {
	rec, err := s.st.GetArtifact(ctx, tenantID, typ, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Body, v); err != nil {
		return fault.Wrap(fault.CodeSchemaInvalid, "decode record", err)
	}
	return nil
}

// publish stores a sealed artifact and queues it for delivery when a router
// is configured. Delivery is at-least-once and async; a full outbox never
// fails the write.
func (s *Server) publish(ctx context.Context, tenantID, typ, id string, v any) error {
	if err := s.putRecord(ctx, tenantID, typ, id, v); err != nil {
		return err
	}
	if s.router == nil {
		return nil
	}
	rec := contracts.ArtifactRecord{TenantID: tenantID, Type: typ, ID: id}
	if _, err := outbox.Enqueue(ctx, s.st, s.router, rec); err != nil {
		s.logger.Error("outbox enqueue failed", "error", err, "artifactType", typ, "artifactId", id)
	}
	return nil
}

// audit records one admin mutation.
func (s *Server) audit(ctx context.Context, tenantID, actor, action, subject string, details map[string]any) {
	err := s.st.PutOpsAudit(ctx, contracts.OpsAuditEntry{
		ID:       contracts.NewID("aud_"),
		TenantID: tenantID,
		At:       s.now(),
		Actor:    actor,
		Action:   action,
		Subject:  subject,
		Details:  details,
	})
	if err != nil {
		s.logger.Error("ops audit write failed", "error", err, "action", action)
	}
}

func (s *Server) handleOpsAudit(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFrom(r.Context())
	entries, err := s.st.ListOpsAudit(r.Context(), tenantID, 100)
	if err != nil {
		WriteFault(w, err)
		return
	}
	if entries == nil {
		entries = []contracts.OpsAuditEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleArtifactGet(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	rec, err := s.st.GetArtifact(r.Context(), tenantID, r.PathValue("artifactType"), r.PathValue("artifactId"))
	if err != nil {
		if err == store.ErrNotFound {
			WriteProblem(w, http.StatusNotFound, "", "artifact not found")
			return
		}
		WriteFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Body)
}
