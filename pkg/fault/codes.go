package fault

import "fmt"

// Error codes are stable identifiers emitted verbatim in artifacts and APIs.
// They MUST NOT change between releases.
const (
	// --- Schema ---
	CodeSchemaInvalid            = "SCHEMA_INVALID"
	CodeUnsupportedSchemaVersion = "UNSUPPORTED_SCHEMA_VERSION"
	CodeCanonicalJSONUnsupported = "CANONICAL_JSON_UNSUPPORTED_VALUE"

	// --- Auth ---
	CodeAuthKeyMissing     = "AUTH_KEY_MISSING"
	CodeSignerNotTrusted   = "SIGNER_NOT_TRUSTED"
	CodeSignerKeyNotActive = "SIGNER_KEY_NOT_ACTIVE"

	// --- Chain / append ---
	CodeOptimisticConcurrencyConflict = "OPTIMISTIC_CONCURRENCY_CONFLICT"
	CodeEventIntegrityInvalid         = "EVENT_INTEGRITY_INVALID"

	// --- Artifact ---
	CodeArtifactHashMismatch         = "ARTIFACT_HASH_MISMATCH"
	CodeCrossArtifactBindingMismatch = "CROSS_ARTIFACT_BINDING_MISMATCH"
	CodeConformanceStrictFailed      = "CONFORMANCE_STRICT_ARTIFACT_VALIDATION_FAILED"

	// --- x402 ---
	CodeX402ProviderSignatureInvalid        = "X402_PROVIDER_SIGNATURE_INVALID"
	CodeX402ReversalBindingEvidenceRequired = "X402_REVERSAL_BINDING_EVIDENCE_REQUIRED"
	CodeX402ReversalBindingEvidenceMismatch = "X402_REVERSAL_BINDING_EVIDENCE_MISMATCH"
	CodeX402AgentSuspended                  = "X402_AGENT_SUSPENDED"
	CodeX402AgentThrottled                  = "X402_AGENT_THROTTLED"
	CodeX402AgentSignerKeyInvalid           = "X402_AGENT_SIGNER_KEY_INVALID"

	// --- Session ---
	CodeSessionReplayChainInvalid      = "SESSION_REPLAY_CHAIN_INVALID"
	CodeSessionReplayProvenanceInvalid = "SESSION_REPLAY_PROVENANCE_INVALID"
	CodeSessionEventCursorConflict     = "SESSION_EVENT_CURSOR_CONFLICT"

	// --- Delivery ---
	CodeDeliveryHTTPError           = "DELIVERY_HTTP_ERROR"
	CodeDeliveryTimeout             = "DELIVERY_TIMEOUT"
	CodeDeliveryMaxAttemptsExceeded = "DELIVERY_MAX_ATTEMPTS_EXCEEDED"

	// --- ZIP ---
	CodeZipBudgetExceeded = "ZIP_BUDGET_EXCEEDED"
	CodeZipUnsafeEntry    = "ZIP_UNSAFE_ENTRY"
)

// ChainBrokenAt returns the indexed chain-break code for position i,
// e.g. CHAIN_BROKEN_AT_INDEX_3.
func ChainBrokenAt(i int) string {
	return fmt.Sprintf("CHAIN_BROKEN_AT_INDEX_%d", i)
}
