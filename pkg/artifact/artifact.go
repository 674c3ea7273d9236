// Package artifact implements the hash-bound artifact family. Every artifact
// is a two-layer JSON object: a hashed inner core (named <name>Core.vN) and an
// outer wrapper carrying schemaVersion, generatedAt, and <name>Hash =
// sha256(canonical(core)). Builders are pure functions over their inputs;
// verifiers recompute every hash from the bytes in front of them and never
// contact the server.
package artifact

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/fault"
)

// Schema versions. These strings appear verbatim in artifacts and MUST match
// exactly on verification.
const (
	SchemaJobProofBundle    = "JobProofBundle.v1"
	SchemaMonthProofBundle  = "MonthProofBundle.v1"
	SchemaInvoiceBundle     = "InvoiceBundle.v1"
	SchemaCloseReport       = "CloseReport.v1"
	SchemaCloseBundle       = "CloseBundle.v1"
	SchemaFinancePack       = "FinancePack.v1"
	SchemaClosePack         = "ClosePack.v1"
	SchemaCompatMatrix      = "ProtocolCompatibilityMatrixReport.v1"
	SchemaSessionReplayPack = "SessionReplayPack.v1"
	SchemaSessionTranscript = "SessionTranscript.v1"
	SchemaWorkOrder         = "WorkOrder.v1"
	SchemaCompletionReceipt = "CompletionReceipt.v1"
	SchemaMeteringSnapshot  = "WorkOrderMeteringSnapshot.v1"
	SchemaX402Gate          = "X402Gate.v1"
	SchemaX402Settlement    = "X402SettlementReceipt.v1"
	SchemaX402DecisionTrace = "X402DecisionTrace.v1"
	SchemaConformanceRun    = "ConformanceRunReport.v1"
	SchemaConformanceCert   = "ConformanceCertBundle.v1"
	SchemaVerifyCliOutput   = "VerifyCliOutput.v1"
	SchemaSLOGateReport     = "SLOGateReport.v1"
)

// Supported enumerates every schema family this build understands, keyed by
// family name with the versions it can verify. The compatibility matrix
// report is generated from this table.
var Supported = map[string][]int{
	"JobProofBundle":                    {1},
	"MonthProofBundle":                  {1},
	"InvoiceBundle":                     {1},
	"CloseReport":                       {1},
	"CloseBundle":                       {1},
	"FinancePack":                       {1},
	"ClosePack":                         {1},
	"ProtocolCompatibilityMatrixReport": {1},
	"SessionReplayPack":                 {1},
	"SessionTranscript":                 {1},
	"WorkOrder":                         {1},
	"CompletionReceipt":                 {1},
	"WorkOrderMeteringSnapshot":         {1},
	"X402Gate":                          {1},
	"X402SettlementReceipt":             {1},
	"X402DecisionTrace":                 {1},
	"ConformanceRunReport":              {1},
	"ConformanceCertBundle":             {1},
	"VerifyCliOutput":                   {1},
	"SLOGateReport":                     {1},
}

// Seal computes the wrapper hash of a core: sha256 over its canonical bytes.
func Seal(core any) (string, error) {
	return canonicalize.Hash(core)
}

// MustSeal is Seal for cores built by our own builders, where a canonical
// JSON failure is a programming error.
func MustSeal(core any) string {
	h, err := Seal(core)
	if err != nil {
		panic(err)
	}
	return h
}

// CheckVersion records an UNSUPPORTED_SCHEMA_VERSION error when actual does
// not exactly match expected. Returns true when the version matched.
func CheckVersion(r *fault.Report, path, actual, expected string) bool {
	if actual == expected {
		return true
	}
	r.AddError(fault.CodeUnsupportedSchemaVersion, path,
		fmt.Sprintf("expected schemaVersion %q, got %q", expected, actual))
	return false
}

// CheckSeal recomputes the core hash and records ARTIFACT_HASH_MISMATCH when
// it differs from the declared hash. Returns true when the seal held.
func CheckSeal(r *fault.Report, path string, core any, declared string) bool {
	recomputed, err := Seal(core)
	if err != nil {
		r.AddFault(err, path, fault.CodeCanonicalJSONUnsupported)
		return false
	}
	if recomputed != declared {
		r.AddError(fault.CodeArtifactHashMismatch, path,
			fmt.Sprintf("declared hash %s, recomputed %s", declared, recomputed))
		return false
	}
	return true
}

// CheckBinding records CROSS_ARTIFACT_BINDING_MISMATCH when a hash referenced
// by one artifact does not equal the hash another artifact carries.
func CheckBinding(r *fault.Report, path, got, want string) bool {
	if got == want {
		return true
	}
	r.AddError(fault.CodeCrossArtifactBindingMismatch, path,
		fmt.Sprintf("bound hash %s does not match %s", got, want))
	return false
}
