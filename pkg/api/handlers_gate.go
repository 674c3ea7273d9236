package api

import (
	"net/http"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/gate"
)

type agentCreateRequest struct {
	AgentID    string           `json:"agentId,omitempty"`
	SignerKeys []gate.SignerKey `json:"signerKeys,omitempty"`
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var req agentCreateRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = contracts.NewID(contracts.PrefixAgent)
	}
	keys := req.SignerKeys
	if keys == nil {
		keys = []gate.SignerKey{}
	}
	a := gate.Agent{
		AgentID:    agentID,
		TenantID:   tenantID,
		Lifecycle:  gate.LifecycleActive,
		SignerKeys: keys,
	}
	if err := s.putRecord(r.Context(), tenantID, recAgent, a.AgentID, a); err != nil {
		WriteFault(w, err)
		return
	}
	s.audit(r.Context(), tenantID, actorFor(r), "agent.create", a.AgentID, nil)
	WriteJSON(w, http.StatusCreated, a)
}

type agentLifecycleRequest struct {
	Lifecycle string `json:"lifecycle"`
}

func (s *Server) handleAgentLifecycle(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var req agentLifecycleRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	switch req.Lifecycle {
	case gate.LifecycleActive, gate.LifecycleSuspended, gate.LifecycleThrottled:
	default:
		WriteFault(w, fault.Newf(fault.CodeSchemaInvalid, "unknown lifecycle %q", req.Lifecycle))
		return
	}
	var a gate.Agent
	if err := s.getRecord(r.Context(), tenantID, recAgent, r.PathValue("agentId"), &a); err != nil {
		WriteFault(w, err)
		return
	}
	a.Lifecycle = req.Lifecycle
	if err := s.putRecord(r.Context(), tenantID, recAgent, a.AgentID, a); err != nil {
		WriteFault(w, err)
		return
	}
	s.audit(r.Context(), tenantID, actorFor(r), "agent.lifecycle", a.AgentID,
		map[string]any{"lifecycle": req.Lifecycle})
	WriteJSON(w, http.StatusOK, a)
}

// checkAgents enforces participant lifecycle on every gate mutation.
// Unregistered agents pass: registration is optional, suspension is not.
func (s *Server) checkAgents(r *http.Request, tenantID string, agentIDs ...string) error {
	for _, id := range agentIDs {
		if id == "" {
			continue
		}
		var a gate.Agent
		err := s.getRecord(r.Context(), tenantID, recAgent, id, &a)
		if err != nil {
			continue
		}
		if err := a.CheckLifecycle(); err != nil {
			return err
		}
	}
	return nil
}

type gateCreateRequest struct {
	RunID                string      `json:"runId,omitempty"`
	PayerAgentID         string      `json:"payerAgentId"`
	PayeeAgentID         string      `json:"payeeAgentId"`
	AmountCents          int64       `json:"amountCents"`
	Currency             string      `json:"currency"`
	Policy               gate.Policy `json:"policy"`
	ProviderPublicKeyPEM *string     `json:"providerPublicKeyPem,omitempty"`
}

func (s *Server) handleGateCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var req gateCreateRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.checkAgents(r, tenantID, req.PayerAgentID, req.PayeeAgentID); err != nil {
		WriteFault(w, err)
		return
	}
	g, err := gate.Create(gate.CreateParams{
		TenantID:             tenantID,
		RunID:                req.RunID,
		PayerAgentID:         req.PayerAgentID,
		PayeeAgentID:         req.PayeeAgentID,
		AmountCents:          req.AmountCents,
		Currency:             req.Currency,
		Policy:               req.Policy,
		ProviderPublicKeyPEM: req.ProviderPublicKeyPEM,
	}, s.now())
	if err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.putRecord(r.Context(), tenantID, recGate, g.GateID, g); err != nil {
		WriteFault(w, err)
		return
	}
	s.audit(r.Context(), tenantID, actorFor(r), "gate.create", g.GateID,
		map[string]any{"amountCents": g.Terms.AmountCents, "currency": g.Terms.Currency})
	WriteJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGateGet(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var g gate.Gate
	if err := s.getRecord(r.Context(), tenantID, recGate, r.PathValue("gateId"), &g); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, g)
}

func (s *Server) handleGateAuthorize(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var g gate.Gate
	if err := s.getRecord(r.Context(), tenantID, recGate, r.PathValue("gateId"), &g); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.checkAgents(r, tenantID, g.Terms.PayerAgentID, g.Terms.PayeeAgentID); err != nil {
		WriteFault(w, err)
		return
	}
	if err := g.AuthorizePayment(s.now()); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.putRecord(r.Context(), tenantID, recGate, g.GateID, g); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, g)
}

type gateVerifyRequest struct {
	RunStatus          string                    `json:"runStatus"`
	VerificationStatus string                    `json:"verificationStatus"`
	VerificationMethod string                    `json:"verificationMethod,omitempty"`
	Attestation        *gate.ProviderAttestation `json:"attestation,omitempty"`
	EvidenceRefs       []string                  `json:"evidenceRefs,omitempty"`
}

type gateVerifyResponse struct {
	Gate       gate.Gate          `json:"gate"`
	Settlement gate.Settlement    `json:"settlement"`
	Trace      gate.DecisionTrace `json:"trace"`
}

// handleGateVerify resolves an authorized gate and publishes the settlement
// receipt and decision trace.
func (s *Server) handleGateVerify(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var g gate.Gate
	if err := s.getRecord(r.Context(), tenantID, recGate, r.PathValue("gateId"), &g); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.checkAgents(r, tenantID, g.Terms.PayerAgentID, g.Terms.PayeeAgentID); err != nil {
		WriteFault(w, err)
		return
	}
	var req gateVerifyRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	settlement, trace, err := g.Verify(gate.VerifyInput{
		RunStatus:          req.RunStatus,
		VerificationStatus: req.VerificationStatus,
		VerificationMethod: req.VerificationMethod,
		Attestation:        req.Attestation,
		EvidenceRefs:       req.EvidenceRefs,
	}, s.now())
	if err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.putRecord(r.Context(), tenantID, recGate, g.GateID, g); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.publish(r.Context(), tenantID, artifact.SchemaX402Settlement, settlement.SettlementCore.ReceiptID, settlement); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.publish(r.Context(), tenantID, artifact.SchemaX402DecisionTrace, g.GateID+".trace", trace); err != nil {
		WriteFault(w, err)
		return
	}
	s.audit(r.Context(), tenantID, actorFor(r), "gate.verify", g.GateID,
		map[string]any{"resolution": settlement.SettlementCore.Resolution})
	WriteJSON(w, http.StatusOK, gateVerifyResponse{Gate: g, Settlement: settlement, Trace: trace})
}

type gateReversalRequest struct {
	Command      gate.ReversalCommand  `json:"command"`
	SettlementID string                `json:"settlementId"`
	Evidence     gate.ReversalEvidence `json:"evidence"`
}

// handleGateReversal applies a buyer-signed reversal to a resolved gate.
// The command signature is checked against the trust snapshot; fail closed.
func (s *Server) handleGateReversal(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFor(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var g gate.Gate
	if err := s.getRecord(r.Context(), tenantID, recGate, r.PathValue("gateId"), &g); err != nil {
		WriteFault(w, err)
		return
	}
	var req gateReversalRequest
	if err := decodeBody(r, &req); err != nil {
		WriteFault(w, err)
		return
	}
	var settlement gate.Settlement
	if err := s.getRecord(r.Context(), tenantID, artifact.SchemaX402Settlement, req.SettlementID, &settlement); err != nil {
		WriteFault(w, err)
		return
	}
	if err := g.Reversal(req.Command, settlement, req.Evidence, s.trust, s.now()); err != nil {
		WriteFault(w, err)
		return
	}
	if err := s.putRecord(r.Context(), tenantID, recGate, g.GateID, g); err != nil {
		WriteFault(w, err)
		return
	}
	s.audit(r.Context(), tenantID, actorFor(r), "gate.reversal", g.GateID,
		map[string]any{"commandId": req.Command.CommandID})
	WriteJSON(w, http.StatusOK, g)
}

// actorFor names the audit actor: the authenticated key, else the peer.
func actorFor(r *http.Request) string {
	if keyID, ok := AuthKeyIDFrom(r.Context()); ok {
		return keyID
	}
	return r.RemoteAddr
}
