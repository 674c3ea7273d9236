// Package gate implements the x402 payment gate: a payment intent that moves
// created → authorized → resolved under a conditional release policy, with
// signed provider attestations, settlement receipts, decision traces, and
// signed reversals. Every decision is deterministic given its inputs and is
// bound into artifacts a verifier can recheck offline.
package gate

import (
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
)

// Gate states.
const (
	StateCreated    = "created"
	StateAuthorized = "authorized"
	StateResolved   = "resolved"
	StateReversed   = "reversed"
)

// Resolution kinds within the resolved state.
const (
	ResolutionReleased = "released"
	ResolutionRefunded = "refunded"
	ResolutionSplit    = "split"
)

// Run and verification statuses accepted by Verify.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"

	ColorGreen = "green"
	ColorAmber = "amber"
	ColorRed   = "red"
)

// VerificationMethodHTTPRequest requires the evidence binding checked in
// Verify: exactly one http:request_sha256:<64hex> evidence ref.
const VerificationMethodHTTPRequest = "http_request"

// Policy is the conditional release policy fixed at gate creation.
// Release rates are percentages in [0,100] applied per verification color;
// AutoReleaseOn<Color> gates whether that color releases at all.
type Policy struct {
	Mode                      string `json:"mode"`
	AutoReleaseOnGreen        bool   `json:"autoReleaseOnGreen"`
	AutoReleaseOnAmber        bool   `json:"autoReleaseOnAmber"`
	AutoReleaseOnRed          bool   `json:"autoReleaseOnRed"`
	GreenReleaseRatePct       int    `json:"greenReleaseRatePct"`
	AmberReleaseRatePct       int    `json:"amberReleaseRatePct"`
	RedReleaseRatePct         int    `json:"redReleaseRatePct"`
	MaxAutoReleaseAmountCents *int64 `json:"maxAutoReleaseAmountCents"`
}

func (p Policy) validate() error {
	for _, pct := range []int{p.GreenReleaseRatePct, p.AmberReleaseRatePct, p.RedReleaseRatePct} {
		if pct < 0 || pct > 100 {
			return fault.Newf(fault.CodeSchemaInvalid, "release rate %d is outside [0,100]", pct)
		}
	}
	if p.MaxAutoReleaseAmountCents != nil && *p.MaxAutoReleaseAmountCents < 0 {
		return fault.New(fault.CodeSchemaInvalid, "maxAutoReleaseAmountCents must be non-negative")
	}
	return nil
}

// releaseRate resolves the policy for one verification color.
func (p Policy) releaseRate(color string) (pct int, auto bool) {
	switch color {
	case ColorGreen:
		return p.GreenReleaseRatePct, p.AutoReleaseOnGreen
	case ColorAmber:
		return p.AmberReleaseRatePct, p.AutoReleaseOnAmber
	default:
		return p.RedReleaseRatePct, p.AutoReleaseOnRed
	}
}

// Decision is the resolved money split of a gate.
type Decision struct {
	DecisionID          string   `json:"decisionId"`
	Resolution          string   `json:"resolution"`
	ReleasedAmountCents int64    `json:"releasedAmountCents"`
	RefundedAmountCents int64    `json:"refundedAmountCents"`
	ReasonCodes         []string `json:"reasonCodes"`
}

// Terms are the immutable economics of a gate.
type Terms struct {
	PayerAgentID string `json:"payerAgentId"`
	PayeeAgentID string `json:"payeeAgentId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
}

// Gate is one x402 payment gate.
type Gate struct {
	GateID               string    `json:"gateId"`
	TenantID             string    `json:"tenantId"`
	RunID                string    `json:"runId,omitempty"`
	State                string    `json:"state"`
	Terms                Terms     `json:"terms"`
	Policy               Policy    `json:"policy"`
	ProviderPublicKeyPEM *string   `json:"providerPublicKeyPem"`
	Decision             *Decision `json:"decision"`
	CreatedAt            string    `json:"createdAt"`
	UpdatedAt            string    `json:"updatedAt"`
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	TenantID             string
	RunID                string
	PayerAgentID         string
	PayeeAgentID         string
	AmountCents          int64
	Currency             string
	Policy               Policy
	ProviderPublicKeyPEM *string // pinned provider key, optional
}

// Create opens a gate in the created state.
func Create(p CreateParams, now time.Time) (*Gate, error) {
	if p.AmountCents <= 0 {
		return nil, fault.New(fault.CodeSchemaInvalid, "amountCents must be positive")
	}
	if p.Currency == "" {
		return nil, fault.New(fault.CodeSchemaInvalid, "currency is required")
	}
	if p.PayerAgentID == "" || p.PayeeAgentID == "" {
		return nil, fault.New(fault.CodeSchemaInvalid, "payerAgentId and payeeAgentId are required")
	}
	if err := p.Policy.validate(); err != nil {
		return nil, err
	}
	at := contracts.FormatTime(now)
	return &Gate{
		GateID:   contracts.NewID(contracts.PrefixGate),
		TenantID: p.TenantID,
		RunID:    p.RunID,
		State:    StateCreated,
		Terms: Terms{
			PayerAgentID: p.PayerAgentID,
			PayeeAgentID: p.PayeeAgentID,
			AmountCents:  p.AmountCents,
			Currency:     p.Currency,
		},
		Policy:               p.Policy,
		ProviderPublicKeyPEM: p.ProviderPublicKeyPEM,
		CreatedAt:            at,
		UpdatedAt:            at,
	}, nil
}

// AuthorizePayment moves a created gate to authorized.
func (g *Gate) AuthorizePayment(now time.Time) error {
	if g.State != StateCreated {
		return fault.Newf(fault.CodeSchemaInvalid,
			"gate %s is %s, only created gates authorize", g.GateID, g.State)
	}
	g.State = StateAuthorized
	g.UpdatedAt = contracts.FormatTime(now)
	return nil
}

// roundHalfUpPct computes round(amount * pct / 100) with half-up rounding on
// non-negative cents.
func roundHalfUpPct(amountCents int64, pct int) int64 {
	return (amountCents*int64(pct) + 50) / 100
}
