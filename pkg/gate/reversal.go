package gate

import (
	"time"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/trust"
)

// ReversalTarget names exactly what a reversal command operates on. The
// receipt binding is mandatory; quote and request bindings tighten it
// further when present.
type ReversalTarget struct {
	GateID        string  `json:"gateId"`
	ReceiptID     string  `json:"receiptId"`
	QuoteID       *string `json:"quoteId"`
	RequestSha256 *string `json:"requestSha256"`
}

// ReversalCommand is a buyer-signed instruction to reverse a settlement.
// The signature covers the canonical command without the signature field and
// must verify against an active buyerDecisionSigners key.
type ReversalCommand struct {
	CommandID      string         `json:"commandId"`
	SponsorRef     string         `json:"sponsorRef"`
	AgentKeyID     string         `json:"agentKeyId"`
	Target         ReversalTarget `json:"target"`
	Action         string         `json:"action"`
	Nonce          string         `json:"nonce"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Exp            string         `json:"exp"` // RFC 3339 expiry
	Signature      string         `json:"signature"`
}

// SigningBytes returns the canonical command without its signature.
func (c ReversalCommand) SigningBytes() ([]byte, error) {
	return canonicalize.Canonical(map[string]any{
		"commandId":      c.CommandID,
		"sponsorRef":     c.SponsorRef,
		"agentKeyId":     c.AgentKeyID,
		"target":         c.Target,
		"action":         c.Action,
		"nonce":          c.Nonce,
		"idempotencyKey": c.IdempotencyKey,
		"exp":            c.Exp,
	})
}

// ReversalEvidence is what the caller presents alongside the command.
type ReversalEvidence struct {
	// RequestSha256 is the hash of the original HTTP request when the
	// settlement was verified with the http_request method.
	RequestSha256 string `json:"requestSha256,omitempty"`
}

// Reversal applies a signed reversal command to a resolved gate.
// Fail-closed: an unknown or inactive signer, a bad signature, an expired
// command, or any binding mismatch leaves the gate untouched.
func (g *Gate) Reversal(cmd ReversalCommand, settlement Settlement, evidence ReversalEvidence, snap *trust.Snapshot, now time.Time) error {
	if g.State != StateResolved {
		return fault.Newf(fault.CodeSchemaInvalid,
			"gate %s is %s, only resolved gates reverse", g.GateID, g.State)
	}
	if cmd.Action != "reverse" {
		return fault.Newf(fault.CodeSchemaInvalid, "unsupported reversal action %q", cmd.Action)
	}

	exp, err := time.Parse(time.RFC3339, cmd.Exp)
	if err != nil {
		return fault.Newf(fault.CodeSchemaInvalid, "exp %q is not RFC 3339", cmd.Exp)
	}
	if !now.Before(exp) {
		return fault.Newf(fault.CodeX402ReversalBindingEvidenceMismatch,
			"reversal command %s expired at %s", cmd.CommandID, cmd.Exp)
	}

	msg, err := cmd.SigningBytes()
	if err != nil {
		return err
	}
	ok, err := snap.VerifySignature(trust.RoleBuyerDecisionSigners, cmd.AgentKeyID, msg, cmd.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(fault.CodeX402AgentSignerKeyInvalid,
			"reversal command %s signature does not verify", cmd.CommandID).
			With("keyId", cmd.AgentKeyID)
	}

	if err := checkReversalBinding(g, cmd, settlement, evidence); err != nil {
		return err
	}

	g.State = StateReversed
	g.UpdatedAt = contracts.FormatTime(now)
	return nil
}

func checkReversalBinding(g *Gate, cmd ReversalCommand, settlement Settlement, evidence ReversalEvidence) error {
	if cmd.Target.GateID != g.GateID {
		return fault.Newf(fault.CodeX402ReversalBindingEvidenceMismatch,
			"command targets gate %s, not %s", cmd.Target.GateID, g.GateID)
	}
	if cmd.Target.ReceiptID != settlement.SettlementCore.ReceiptID {
		return fault.Newf(fault.CodeX402ReversalBindingEvidenceMismatch,
			"command targets receipt %s, not %s", cmd.Target.ReceiptID, settlement.SettlementCore.ReceiptID)
	}
	if cmd.Target.RequestSha256 == nil {
		return nil
	}
	// The target pins a request hash: evidence must carry it, and it must
	// appear among the settlement's evidence refs.
	if evidence.RequestSha256 == "" {
		return fault.New(fault.CodeX402ReversalBindingEvidenceRequired,
			"command pins a request hash but no request evidence was presented")
	}
	if evidence.RequestSha256 != *cmd.Target.RequestSha256 {
		return fault.New(fault.CodeX402ReversalBindingEvidenceMismatch,
			"presented request hash does not match the command target")
	}
	want := EvidenceRefHTTPPrefix + evidence.RequestSha256
	for _, ref := range settlement.SettlementCore.EvidenceRefs {
		if ref == want {
			return nil
		}
	}
	return fault.New(fault.CodeX402ReversalBindingEvidenceMismatch,
		"request hash is not bound into the settlement's evidence refs")
}
