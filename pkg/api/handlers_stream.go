package api

import (
	"net/http"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/ledger"
)

// Proxy headers accepted on the stream append route.
const (
	headerProxyTenant       = "x-proxy-tenant-id"
	headerIdempotencyKey    = "x-idempotency-key"
	headerExpectedPrevChain = "x-proxy-expected-prev-chain-hash"
)

type appendEventRequest struct {
	Type    string          `json:"type"`
	Actor   contracts.Actor `json:"actor"`
	Payload map[string]any  `json:"payload"`
	At      string          `json:"at,omitempty"`
}

type appendEventResponse struct {
	Event          contracts.Event          `json:"event"`
	StreamSnapshot contracts.StreamSnapshot `json:"streamSnapshot"`
}

// handleStreamAppend chains one event onto a stream. The expected-prev
// header arms the OCC check: present but stale returns 409 with the live
// head in details.expectedPrevChainHash; absent means last-write-wins.
func (s *Server) handleStreamAppend(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	streamID := r.PathValue("streamId")

	var req appendEventRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	if req.Type == "" {
		WriteFault(w, fault.New(fault.CodeSchemaInvalid, "type is required"))
		return
	}
	if req.Actor.Type == "" || req.Actor.ID == "" {
		WriteFault(w, fault.New(fault.CodeSchemaInvalid, "actor.type and actor.id are required"))
		return
	}

	at := req.At
	if at == "" {
		at = contracts.FormatTime(s.now())
	}
	chain := ledger.New()
	draft, err := chain.CreateChainedEvent(streamID, req.Type, req.Actor, req.Payload, at)
	if err != nil {
		WriteFault(w, err)
		return
	}

	opts := ledger.AppendOptions{
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	}
	if raw := r.Header.Values(headerExpectedPrevChain); len(raw) > 0 {
		opts.CheckExpectedPrev = true
		if v := raw[0]; v != "" {
			opts.ExpectedPrev = &v
		}
	}

	event, snap, err := ledger.AppendDraft(r.Context(), s.st, tenantID, draft, s.signer, opts)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, appendEventResponse{Event: event, StreamSnapshot: snap})
}

func (s *Server) handleStreamList(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	events, err := s.st.ListEvents(r.Context(), tenantID, r.PathValue("streamId"), r.URL.Query().Get("since"), 0)
	if err != nil {
		WriteFault(w, err)
		return
	}
	if events == nil {
		events = []contracts.Event{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}
