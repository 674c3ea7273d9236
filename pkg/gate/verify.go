package gate

import (
	"regexp"
	"strings"
	"time"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
)

// EvidenceRefHTTPPrefix tags the request-hash evidence ref the http_request
// verification method requires.
const EvidenceRefHTTPPrefix = "http:request_sha256:"

var httpEvidenceRe = regexp.MustCompile(`^http:request_sha256:[0-9a-f]{64}$`)

// ProviderAttestation is the provider's signed statement about a run.
// The signature covers canonical({responseHash,nonce,signedAt}).
type ProviderAttestation struct {
	ResponseHash string `json:"responseHash"`
	Nonce        string `json:"nonce"`
	SignedAt     string `json:"signedAt"`
	Signature    string `json:"signature"`
	// PublicKeyPEM is the key the caller claims signed the attestation.
	// When the gate pins a provider key the pinned key always wins.
	PublicKeyPEM string `json:"publicKeyPem,omitempty"`
}

// SigningBytes returns the canonical attestation payload the provider signs.
func (a ProviderAttestation) SigningBytes() ([]byte, error) {
	return canonicalize.Canonical(map[string]any{
		"responseHash": a.ResponseHash,
		"nonce":        a.Nonce,
		"signedAt":     a.SignedAt,
	})
}

// VerifyInput is everything the verify step consumes.
type VerifyInput struct {
	RunStatus          string
	VerificationStatus string
	VerificationMethod string
	Attestation        *ProviderAttestation
	EvidenceRefs       []string
}

// Settlement is the X402SettlementReceipt artifact: the durable record of
// one gate's resolution, bound to the decision by decisionRef.
type Settlement struct {
	SchemaVersion  string         `json:"schemaVersion"`
	GeneratedAt    string         `json:"generatedAt"`
	SettlementCore SettlementCore `json:"settlementCore"`
	SettlementHash string         `json:"settlementHash"`
}

// SettlementCore is the hashed payload of a settlement receipt.
type SettlementCore struct {
	ReceiptID           string      `json:"receiptId"`
	GateID              string      `json:"gateId"`
	TenantID            string      `json:"tenantId"`
	Resolution          string      `json:"resolution"`
	ReleasedAmountCents int64       `json:"releasedAmountCents"`
	RefundedAmountCents int64       `json:"refundedAmountCents"`
	Currency            string      `json:"currency"`
	DecisionRef         DecisionRef `json:"decisionRef"`
	EvidenceRefs        []string    `json:"evidenceRefs"`
}

// DecisionRef binds a receipt to the decision that produced it.
type DecisionRef struct {
	DecisionID  string   `json:"decisionId"`
	ReasonCodes []string `json:"reasonCodes"`
}

// DecisionTrace is the X402DecisionTrace artifact: hashes of the verify
// inputs, the policy, and the outputs, so an auditor can prove which policy
// produced which split without re-running it.
type DecisionTrace struct {
	SchemaVersion string    `json:"schemaVersion"`
	GeneratedAt   string    `json:"generatedAt"`
	TraceCore     TraceCore `json:"traceCore"`
	TraceHash     string    `json:"traceHash"`
}

// TraceCore is the hashed payload of a decision trace.
type TraceCore struct {
	GateID      string   `json:"gateId"`
	DecisionID  string   `json:"decisionId"`
	InputsHash  string   `json:"inputsHash"`
	PolicyHash  string   `json:"policyHash"`
	OutputsHash string   `json:"outputsHash"`
	ReasonCodes []string `json:"reasonCodes"`
}

// Verify resolves an authorized gate. The decision is deterministic:
//
//  1. validate runStatus and verificationStatus;
//  2. when the gate pins a provider key, check the attestation signature
//     against the pinned key (a key supplied in the request never overrides
//     the pin); a missing or invalid signature forces status red with reason
//     X402_PROVIDER_SIGNATURE_INVALID;
//  3. apply the per-color release rate and the auto-release cap;
//  4. check the evidence binding for the http_request method;
//  5. emit the settlement receipt and decision trace.
func (g *Gate) Verify(in VerifyInput, now time.Time) (Settlement, DecisionTrace, error) {
	if g.State != StateAuthorized {
		return Settlement{}, DecisionTrace{}, fault.Newf(fault.CodeSchemaInvalid,
			"gate %s is %s, only authorized gates verify", g.GateID, g.State)
	}
	if in.RunStatus != RunCompleted && in.RunStatus != RunFailed {
		return Settlement{}, DecisionTrace{}, fault.Newf(fault.CodeSchemaInvalid,
			"runStatus %q must be completed or failed", in.RunStatus)
	}
	switch in.VerificationStatus {
	case ColorGreen, ColorAmber, ColorRed:
	default:
		return Settlement{}, DecisionTrace{}, fault.Newf(fault.CodeSchemaInvalid,
			"verificationStatus %q must be green, amber, or red", in.VerificationStatus)
	}

	evidence, err := checkEvidenceBinding(in)
	if err != nil {
		return Settlement{}, DecisionTrace{}, err
	}

	status := in.VerificationStatus
	reasons := []string{}

	if g.ProviderPublicKeyPEM != nil {
		if !attestationValid(in.Attestation, *g.ProviderPublicKeyPEM) {
			status = ColorRed
			reasons = append(reasons, fault.CodeX402ProviderSignatureInvalid)
		}
	}
	if in.RunStatus == RunFailed && status != ColorRed {
		// A failed run never releases on a non-red policy path.
		status = ColorRed
		reasons = append(reasons, "X402_RUN_FAILED")
	}

	pct, auto := g.Policy.releaseRate(status)
	released := int64(0)
	if auto {
		released = roundHalfUpPct(g.Terms.AmountCents, pct)
	}
	if limit := g.Policy.MaxAutoReleaseAmountCents; limit != nil && released > *limit {
		released = *limit
		reasons = append(reasons, "X402_AUTO_RELEASE_CAPPED")
	}
	refunded := g.Terms.AmountCents - released

	resolution := ResolutionSplit
	switch {
	case released == g.Terms.AmountCents:
		resolution = ResolutionReleased
	case released == 0:
		resolution = ResolutionRefunded
	}

	decision := &Decision{
		DecisionID:          contracts.NewID("dec_"),
		Resolution:          resolution,
		ReleasedAmountCents: released,
		RefundedAmountCents: refunded,
		ReasonCodes:         reasons,
	}
	g.Decision = decision
	g.State = StateResolved
	g.UpdatedAt = contracts.FormatTime(now)

	generatedAt := contracts.FormatTime(now)
	settlement, err := buildSettlement(g, evidence, generatedAt)
	if err != nil {
		return Settlement{}, DecisionTrace{}, err
	}
	trace, err := buildTrace(g, in, generatedAt)
	if err != nil {
		return Settlement{}, DecisionTrace{}, err
	}
	return settlement, trace, nil
}

// attestationValid checks the provider signature against the pinned key.
func attestationValid(a *ProviderAttestation, pinnedPEM string) bool {
	if a == nil || a.Signature == "" {
		return false
	}
	msg, err := a.SigningBytes()
	if err != nil {
		return false
	}
	ok, err := crypto.Verify(msg, a.Signature, pinnedPEM)
	return err == nil && ok
}

// checkEvidenceBinding enforces the http_request rule: exactly one
// well-formed http:request_sha256:<64hex> ref. Other methods pass the refs
// through unchanged.
func checkEvidenceBinding(in VerifyInput) ([]string, error) {
	refs := in.EvidenceRefs
	if refs == nil {
		refs = []string{}
	}
	if in.VerificationMethod != VerificationMethodHTTPRequest {
		return refs, nil
	}
	var httpRefs []string
	for _, ref := range refs {
		if strings.HasPrefix(ref, EvidenceRefHTTPPrefix) {
			httpRefs = append(httpRefs, ref)
		}
	}
	switch {
	case len(httpRefs) == 0:
		return nil, fault.New(fault.CodeX402ReversalBindingEvidenceRequired,
			"http_request verification requires one http:request_sha256 evidence ref")
	case len(httpRefs) > 1:
		return nil, fault.New(fault.CodeX402ReversalBindingEvidenceMismatch,
			"http_request verification requires exactly one http:request_sha256 evidence ref").
			With("count", len(httpRefs))
	case !httpEvidenceRe.MatchString(httpRefs[0]):
		return nil, fault.Newf(fault.CodeX402ReversalBindingEvidenceMismatch,
			"evidence ref %q is not a well-formed request hash", httpRefs[0])
	}
	return refs, nil
}

func buildSettlement(g *Gate, evidenceRefs []string, generatedAt string) (Settlement, error) {
	core := SettlementCore{
		ReceiptID:           contracts.NewID(contracts.PrefixReceipt),
		GateID:              g.GateID,
		TenantID:            g.TenantID,
		Resolution:          g.Decision.Resolution,
		ReleasedAmountCents: g.Decision.ReleasedAmountCents,
		RefundedAmountCents: g.Decision.RefundedAmountCents,
		Currency:            g.Terms.Currency,
		DecisionRef: DecisionRef{
			DecisionID:  g.Decision.DecisionID,
			ReasonCodes: g.Decision.ReasonCodes,
		},
		EvidenceRefs: evidenceRefs,
	}
	hash, err := artifact.Seal(core)
	if err != nil {
		return Settlement{}, err
	}
	return Settlement{
		SchemaVersion:  artifact.SchemaX402Settlement,
		GeneratedAt:    generatedAt,
		SettlementCore: core,
		SettlementHash: hash,
	}, nil
}

func buildTrace(g *Gate, in VerifyInput, generatedAt string) (DecisionTrace, error) {
	inputsHash, err := canonicalize.Hash(map[string]any{
		"runStatus":          in.RunStatus,
		"verificationStatus": in.VerificationStatus,
		"verificationMethod": in.VerificationMethod,
		"evidenceRefs":       in.EvidenceRefs,
	})
	if err != nil {
		return DecisionTrace{}, err
	}
	policyHash, err := canonicalize.Hash(g.Policy)
	if err != nil {
		return DecisionTrace{}, err
	}
	outputsHash, err := canonicalize.Hash(g.Decision)
	if err != nil {
		return DecisionTrace{}, err
	}
	core := TraceCore{
		GateID:      g.GateID,
		DecisionID:  g.Decision.DecisionID,
		InputsHash:  inputsHash,
		PolicyHash:  policyHash,
		OutputsHash: outputsHash,
		ReasonCodes: g.Decision.ReasonCodes,
	}
	hash, err := artifact.Seal(core)
	if err != nil {
		return DecisionTrace{}, err
	}
	return DecisionTrace{
		SchemaVersion: artifact.SchemaX402DecisionTrace,
		GeneratedAt:   generatedAt,
		TraceCore:     core,
		TraceHash:     hash,
	}, nil
}

// VerifySettlement rechecks a settlement receipt's seal and, when the gate
// is supplied, the invariant released + refunded == authorized amount plus
// the decision binding.
func VerifySettlement(s Settlement, g *Gate) *fault.Report {
	r := fault.NewReport()
	if !artifact.CheckVersion(r, "schemaVersion", s.SchemaVersion, artifact.SchemaX402Settlement) {
		return r
	}
	artifact.CheckSeal(r, "settlementHash", s.SettlementCore, s.SettlementHash)
	if g == nil {
		return r
	}
	if s.SettlementCore.ReleasedAmountCents+s.SettlementCore.RefundedAmountCents != g.Terms.AmountCents {
		r.AddError(fault.CodeSchemaInvalid, "settlementCore",
			"released + refunded does not equal the authorized amount")
	}
	if g.Decision != nil && s.SettlementCore.DecisionRef.DecisionID != g.Decision.DecisionID {
		r.AddError(fault.CodeCrossArtifactBindingMismatch, "settlementCore.decisionRef.decisionId",
			"receipt is not bound to the gate's decision")
	}
	return r
}

// VerifyDecisionTrace rechecks the trace seal.
func VerifyDecisionTrace(tr DecisionTrace) *fault.Report {
	r := fault.NewReport()
	if !artifact.CheckVersion(r, "schemaVersion", tr.SchemaVersion, artifact.SchemaX402DecisionTrace) {
		return r
	}
	artifact.CheckSeal(r, "traceHash", tr.TraceCore, tr.TraceHash)
	return r
}
