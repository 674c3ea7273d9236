package session

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/trust"
)

func pathAt(i int) string { return fmt.Sprintf("packCore.events[%d]", i) }

// ProvenanceVerification is the taint subsection of a pack's verification
// block.
type ProvenanceVerification struct {
	OK                 bool `json:"ok"`
	VerifiedEventCount int  `json:"verifiedEventCount"`
	TaintedEventCount  int  `json:"taintedEventCount"`
}

// Verification is the embedded self-check a replay pack carries. Verifiers
// do not trust it; they recompute it and compare.
type Verification struct {
	ChainOK            bool                   `json:"chainOk"`
	VerifiedEventCount int                    `json:"verifiedEventCount"`
	Provenance         ProvenanceVerification `json:"provenance"`
}

// ReplayPackCore is the hashed payload of a SessionReplayPack.
type ReplayPackCore struct {
	SessionID     string            `json:"sessionId"`
	TenantID      string            `json:"tenantId"`
	Events        []contracts.Event `json:"events"`
	EventCount    int               `json:"eventCount"`
	HeadChainHash *string           `json:"headChainHash"`
}

// ReplayPack is the SessionReplayPack artifact: the session's ordered event
// chain plus a verification block, optionally signed. The signature covers
// canonical(packCore), so the same signer key over the same pack yields
// identical signature bytes.
type ReplayPack struct {
	SchemaVersion string         `json:"schemaVersion"`
	GeneratedAt   string         `json:"generatedAt"`
	PackCore      ReplayPackCore `json:"packCore"`
	PackHash      string         `json:"packHash"`
	Verification  Verification   `json:"verification"`
	SignerKeyID   string         `json:"signerKeyId,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

// BuildReplayPack derives a replay pack from the session's events. The
// events must already verify as a chain; building from a broken chain fails.
func BuildReplayPack(s *Session, events []contracts.Event, signer *crypto.Signer, generatedAt string) (ReplayPack, error) {
	chainReport := ledger.VerifyChain(events)
	if !chainReport.OK {
		return ReplayPack{}, fault.Newf(fault.CodeSessionReplayChainInvalid,
			"session %s chain does not verify: %s", s.SessionID, chainReport.Errors[0].Message)
	}
	taintReport := fault.NewReport()
	tainted := verifyTaint(taintReport, events)
	if !taintReport.OK {
		return ReplayPack{}, fault.Newf(fault.CodeSessionReplayProvenanceInvalid,
			"session %s provenance does not verify: %s", s.SessionID, taintReport.Errors[0].Message)
	}

	if events == nil {
		events = []contracts.Event{}
	}
	var head *string
	if n := len(events); n > 0 {
		h := events[n-1].ChainHash
		head = &h
	}
	core := ReplayPackCore{
		SessionID:     s.SessionID,
		TenantID:      s.TenantID,
		Events:        events,
		EventCount:    len(events),
		HeadChainHash: head,
	}
	hash, err := artifact.Seal(core)
	if err != nil {
		return ReplayPack{}, err
	}
	pack := ReplayPack{
		SchemaVersion: artifact.SchemaSessionReplayPack,
		GeneratedAt:   generatedAt,
		PackCore:      core,
		PackHash:      hash,
		Verification: Verification{
			ChainOK:            true,
			VerifiedEventCount: len(events),
			Provenance: ProvenanceVerification{
				OK:                 true,
				VerifiedEventCount: len(events),
				TaintedEventCount:  tainted,
			},
		},
	}
	if signer != nil {
		msg, err := canonicalCore(core)
		if err != nil {
			return ReplayPack{}, err
		}
		pack.SignerKeyID = signer.KeyID
		pack.Signature = signer.Sign(msg)
	}
	return pack, nil
}

// canonicalCore is the signing message for a pack or transcript core.
func canonicalCore(core any) ([]byte, error) {
	return canonicalize.Canonical(core)
}

// VerifyReplayPack recomputes everything a pack claims: the pack seal, the
// event chain (SESSION_REPLAY_CHAIN_INVALID on tamper), the provenance taint
// (SESSION_REPLAY_PROVENANCE_INVALID on drift), the embedded verification
// block, and, when a trust snapshot is supplied and the pack is signed,
// the signature against the governanceRoots role.
func VerifyReplayPack(p ReplayPack, snap *trust.Snapshot) *fault.Report {
	r := fault.NewReport()
	if !artifact.CheckVersion(r, "schemaVersion", p.SchemaVersion, artifact.SchemaSessionReplayPack) {
		return r
	}
	artifact.CheckSeal(r, "packHash", p.PackCore, p.PackHash)

	chainReport := ledger.VerifyChain(p.PackCore.Events)
	if !chainReport.OK {
		for _, e := range chainReport.Errors {
			r.AddError(fault.CodeSessionReplayChainInvalid, "packCore."+e.Path, e.Message)
		}
	}
	tainted := verifyTaint(r, p.PackCore.Events)

	if p.PackCore.EventCount != len(p.PackCore.Events) {
		r.AddError(fault.CodeSchemaInvalid, "packCore.eventCount",
			fmt.Sprintf("eventCount %d does not match %d events", p.PackCore.EventCount, len(p.PackCore.Events)))
	}
	if n := len(p.PackCore.Events); n > 0 {
		head := p.PackCore.Events[n-1].ChainHash
		if p.PackCore.HeadChainHash == nil || *p.PackCore.HeadChainHash != head {
			r.AddError(fault.CodeSessionReplayChainInvalid, "packCore.headChainHash",
				"headChainHash does not match the last event's chainHash")
		}
	} else if p.PackCore.HeadChainHash != nil {
		r.AddError(fault.CodeSessionReplayChainInvalid, "packCore.headChainHash",
			"headChainHash must be null for an empty session")
	}

	if chainReport.OK {
		if !p.Verification.ChainOK || p.Verification.VerifiedEventCount != len(p.PackCore.Events) {
			r.AddError(fault.CodeSchemaInvalid, "verification",
				"embedded verification block does not match the recomputation")
		}
		if p.Verification.Provenance.TaintedEventCount != tainted {
			r.AddError(fault.CodeSessionReplayProvenanceInvalid, "verification.provenance",
				fmt.Sprintf("pack claims %d tainted events, recomputation found %d",
					p.Verification.Provenance.TaintedEventCount, tainted))
		}
	}

	if p.Signature != "" && snap != nil {
		msg, err := canonicalCore(p.PackCore)
		if err != nil {
			r.AddFault(err, "packCore", fault.CodeCanonicalJSONUnsupported)
			return r
		}
		ok, err := snap.VerifySignature(trust.RoleGovernanceRoots, p.SignerKeyID, msg, p.Signature)
		if err != nil {
			r.AddFault(err, "signature", fault.CodeSignerNotTrusted)
		} else if !ok {
			r.AddError(fault.CodeSessionReplayChainInvalid, "signature",
				"pack signature does not verify against the signer key")
		}
	}
	return r
}

// TranscriptEntry is one rendered line of a transcript.
type TranscriptEntry struct {
	EventID string          `json:"eventId"`
	Type    string          `json:"type"`
	At      string          `json:"at"`
	Actor   contracts.Actor `json:"actor"`
	Tainted bool            `json:"tainted"`
}

// TranscriptCore is the hashed payload of a SessionTranscript. It binds the
// session document hash and must agree with the replay pack's head and
// count.
type TranscriptCore struct {
	SessionID     string            `json:"sessionId"`
	SessionHash   string            `json:"sessionHash"`
	HeadChainHash *string           `json:"headChainHash"`
	EventCount    int               `json:"eventCount"`
	Entries       []TranscriptEntry `json:"entries"`
}

// Transcript is the SessionTranscript artifact.
type Transcript struct {
	SchemaVersion  string         `json:"schemaVersion"`
	GeneratedAt    string         `json:"generatedAt"`
	TranscriptCore TranscriptCore `json:"transcriptCore"`
	TranscriptHash string         `json:"transcriptHash"`
	SignerKeyID    string         `json:"signerKeyId,omitempty"`
	Signature      string         `json:"signature,omitempty"`
}

// BuildTranscript derives a transcript from a session and its replay pack.
func BuildTranscript(s *Session, pack ReplayPack, signer *crypto.Signer, generatedAt string) (Transcript, error) {
	sessionHash, err := artifact.Seal(s)
	if err != nil {
		return Transcript{}, err
	}
	entries := make([]TranscriptEntry, 0, len(pack.PackCore.Events))
	for _, e := range pack.PackCore.Events {
		p, _ := extractProvenance(e.Payload)
		entries = append(entries, TranscriptEntry{
			EventID: e.ID,
			Type:    e.Type,
			At:      e.At,
			Actor:   e.Actor,
			Tainted: p != nil && p.IsTainted,
		})
	}
	core := TranscriptCore{
		SessionID:     s.SessionID,
		SessionHash:   sessionHash,
		HeadChainHash: pack.PackCore.HeadChainHash,
		EventCount:    pack.PackCore.EventCount,
		Entries:       entries,
	}
	hash, err := artifact.Seal(core)
	if err != nil {
		return Transcript{}, err
	}
	tr := Transcript{
		SchemaVersion:  artifact.SchemaSessionTranscript,
		GeneratedAt:    generatedAt,
		TranscriptCore: core,
		TranscriptHash: hash,
	}
	if signer != nil {
		msg, err := canonicalCore(core)
		if err != nil {
			return Transcript{}, err
		}
		tr.SignerKeyID = signer.KeyID
		tr.Signature = signer.Sign(msg)
	}
	return tr, nil
}

// VerifyTranscript rechecks the transcript seal and, when the pack and
// session are supplied, the cross-artifact bindings: sessionHash,
// headChainHash, and eventCount must all agree.
func VerifyTranscript(tr Transcript, s *Session, pack *ReplayPack) *fault.Report {
	r := fault.NewReport()
	if !artifact.CheckVersion(r, "schemaVersion", tr.SchemaVersion, artifact.SchemaSessionTranscript) {
		return r
	}
	artifact.CheckSeal(r, "transcriptHash", tr.TranscriptCore, tr.TranscriptHash)

	if s != nil {
		sessionHash, err := artifact.Seal(s)
		if err != nil {
			r.AddFault(err, "transcriptCore.sessionHash", fault.CodeCanonicalJSONUnsupported)
		} else {
			artifact.CheckBinding(r, "transcriptCore.sessionHash", tr.TranscriptCore.SessionHash, sessionHash)
		}
	}
	if pack != nil {
		packHead := pack.PackCore.HeadChainHash
		trHead := tr.TranscriptCore.HeadChainHash
		if (packHead == nil) != (trHead == nil) || (packHead != nil && *packHead != *trHead) {
			r.AddError(fault.CodeCrossArtifactBindingMismatch, "transcriptCore.headChainHash",
				"transcript head does not match the replay pack head")
		}
		if tr.TranscriptCore.EventCount != pack.PackCore.EventCount {
			r.AddError(fault.CodeCrossArtifactBindingMismatch, "transcriptCore.eventCount",
				"transcript eventCount does not match the replay pack")
		}
	}
	return r
}
