package api

import (
	"net/http"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/session"
)

type sessionCreateRequest struct {
	Participants []session.Participant `json:"participants"`
	PolicyRef    *string               `json:"policyRef,omitempty"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var req sessionCreateRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	sess := session.New(tenantID, req.Participants, req.PolicyRef, s.now())
	if err := s.putRecord(r.Context(), tenantID, recSession, sess.SessionID, sess); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

type sessionAppendRequest struct {
	Type           string          `json:"type"`
	Actor          contracts.Actor `json:"actor"`
	Payload        map[string]any  `json:"payload"`
	ExpectedCursor *int            `json:"expectedCursor,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// handleSessionAppend chains one event onto a session. An expectedCursor
// behind the live event count returns 409 with details.expectedCursor.
func (s *Server) handleSessionAppend(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	sess, err := s.loadSession(r, tenantID)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var req sessionAppendRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	if req.Type == "" {
		WriteFault(w, fault.New(fault.CodeSchemaInvalid, "type is required"))
		return
	}
	opts := session.AppendOptions{
		ExpectedCursor: session.NoCursor,
		IdempotencyKey: req.IdempotencyKey,
		Signer:         s.signer,
		At:             contracts.FormatTime(s.now()),
	}
	if req.ExpectedCursor != nil {
		opts.ExpectedCursor = *req.ExpectedCursor
	}
	event, snap, err := session.Append(r.Context(), s.st, sess, req.Type, req.Actor, req.Payload, opts)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, appendEventResponse{Event: event, StreamSnapshot: snap})
}

// handleSessionReplayPack builds, persists, and publishes the sealed replay
// pack for the session's current chain.
func (s *Server) handleSessionReplayPack(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	sess, err := s.loadSession(r, tenantID)
	if err != nil {
		WriteFault(w, err)
		return
	}
	events, err := s.st.ListEvents(r.Context(), tenantID, sess.SessionID, "", 0)
	if err != nil {
		WriteFault(w, err)
		return
	}
	pack, err := session.BuildReplayPack(sess, events, s.signer, contracts.FormatTime(s.now()))
	if err != nil {
		WriteFault(w, err)
		return
	}
	id := sess.SessionID + ".replay"
	if err := s.publish(r.Context(), tenantID, artifact.SchemaSessionReplayPack, id, pack); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, pack)
}

func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	sess, err := s.loadSession(r, tenantID)
	if err != nil {
		WriteFault(w, err)
		return
	}
	events, err := s.st.ListEvents(r.Context(), tenantID, sess.SessionID, "", 0)
	if err != nil {
		WriteFault(w, err)
		return
	}
	at := contracts.FormatTime(s.now())
	pack, err := session.BuildReplayPack(sess, events, s.signer, at)
	if err != nil {
		WriteFault(w, err)
		return
	}
	tr, err := session.BuildTranscript(sess, pack, s.signer, at)
	if err != nil {
		WriteFault(w, err)
		return
	}
	id := sess.SessionID + ".transcript"
	if err := s.publish(r.Context(), tenantID, artifact.SchemaSessionTranscript, id, tr); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tr)
}

func (s *Server) loadSession(r *http.Request, tenantID string) (*session.Session, error) {
	var sess session.Session
	if err := s.getRecord(r.Context(), tenantID, recSession, r.PathValue("sessionId"), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
