// Package verifier is the offline artifact verifier: it reads a JSON
// artifact or a ClosePack ZIP, detects the schema version, dispatches to the
// matching family verifier, and renders a VerifyCliOutput artifact. It has
// no server or network dependencies; a third party can run it against only
// the bytes in hand.
package verifier

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/conform"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/gate"
	"github.com/settld-labs/settld/pkg/session"
	"github.com/settld-labs/settld/pkg/trust"
	"github.com/settld-labs/settld/pkg/workorder"
)

// Exit codes. 0 verified, 1 verification failed, 2 the input could not be
// checked at all (unreadable, not an artifact, unknown schema).
const (
	ExitOK       = 0
	ExitFailed   = 1
	ExitUnusable = 2
)

// OutputCore is the hashed payload of a VerifyCliOutput.
type OutputCore struct {
	Target         string              `json:"target"`
	SchemaVersion  string              `json:"schemaVersion"`
	OK             bool                `json:"ok"`
	VerificationOK bool                `json:"verificationOk"`
	ExitCode       int                 `json:"exitCode"`
	Errors         []fault.ReportEntry `json:"errors"`
	Warnings       []fault.ReportEntry `json:"warnings"`
}

// Output is the VerifyCliOutput artifact the CLI emits with --format json.
type Output struct {
	SchemaVersion string     `json:"schemaVersion"`
	GeneratedAt   string     `json:"generatedAt"`
	OutputCore    OutputCore `json:"outputCore"`
	OutputHash    string     `json:"outputHash"`
}

// Options steer verification.
type Options struct {
	// Trust, when set, verifies pack/transcript signatures against it.
	Trust *trust.Snapshot
}

var zipMagic = []byte("PK\x03\x04")

// Verify checks raw artifact bytes. The returned exit code follows the CLI
// contract. ok reflects whether the check itself ran; verification results
// live in the report.
func Verify(target string, data []byte, opts Options) (OutputCore, *fault.Report) {
	core := OutputCore{Target: target, OK: true}

	var report *fault.Report
	if bytes.HasPrefix(data, zipMagic) {
		core.SchemaVersion = artifact.SchemaClosePack
		report = artifact.VerifyClosePack(data)
	} else {
		schema, r := dispatchJSON(data, opts)
		core.SchemaVersion = schema
		report = r
		if schema == "" {
			core.OK = false
			core.VerificationOK = false
			core.ExitCode = ExitUnusable
			core.Errors = report.Errors
			core.Warnings = report.Warnings
			return core, report
		}
	}

	core.VerificationOK = report.OK
	core.Errors = report.Errors
	core.Warnings = report.Warnings
	if report.OK {
		core.ExitCode = ExitOK
	} else {
		core.ExitCode = ExitFailed
	}
	return core, report
}

// VerifyFile checks one file on disk.
func VerifyFile(path string, opts Options) (OutputCore, *fault.Report) {
	data, err := os.ReadFile(path)
	if err != nil {
		r := fault.NewReport()
		r.AddError(fault.CodeSchemaInvalid, "", "target unreadable: "+err.Error())
		return OutputCore{
			Target:   path,
			ExitCode: ExitUnusable,
			Errors:   r.Errors,
			Warnings: r.Warnings,
		}, r
	}
	return Verify(path, data, opts)
}

// BuildOutput seals the CLI output as its own artifact.
func BuildOutput(core OutputCore, generatedAt string) (Output, error) {
	hash, err := artifact.Seal(core)
	if err != nil {
		return Output{}, err
	}
	return Output{
		SchemaVersion: artifact.SchemaVerifyCliOutput,
		GeneratedAt:   generatedAt,
		OutputCore:    core,
		OutputHash:    hash,
	}, nil
}

// dispatchJSON peeks at schemaVersion and routes to the family verifier.
func dispatchJSON(data []byte, opts Options) (string, *fault.Report) {
	var head struct {
		SchemaVersion string `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		r := fault.NewReport()
		r.AddError(fault.CodeSchemaInvalid, "", "target is not JSON: "+err.Error())
		return "", r
	}
	if head.SchemaVersion == "" {
		r := fault.NewReport()
		r.AddError(fault.CodeSchemaInvalid, "schemaVersion", "target carries no schemaVersion")
		return "", r
	}

	verify, known := dispatch[head.SchemaVersion]
	if !known {
		r := fault.NewReport()
		r.AddError(fault.CodeUnsupportedSchemaVersion, "schemaVersion",
			"no verifier for "+head.SchemaVersion)
		return "", r
	}
	return head.SchemaVersion, verify(data, opts)
}

type verifyFn func(data []byte, opts Options) *fault.Report

// dispatch maps schema versions onto standalone verifiers. Cross-artifact
// bindings that need a second artifact are skipped here; the API and conform
// paths check them with both sides in hand.
var dispatch = map[string]verifyFn{
	artifact.SchemaJobProofBundle: typed(func(b artifact.JobProofBundle, _ Options) *fault.Report {
		return artifact.VerifyJobProofBundle(b)
	}),
	artifact.SchemaMonthProofBundle: typed(func(b artifact.MonthProofBundle, _ Options) *fault.Report {
		return artifact.VerifyMonthProofBundle(b, nil)
	}),
	artifact.SchemaInvoiceBundle: typed(func(b artifact.InvoiceBundle, _ Options) *fault.Report {
		return artifact.VerifyInvoiceBundle(b, nil)
	}),
	artifact.SchemaCloseReport: typed(func(rep artifact.CloseReport, _ Options) *fault.Report {
		return artifact.VerifyCloseReport(rep)
	}),
	artifact.SchemaCloseBundle: typed(func(cb artifact.CloseBundle, _ Options) *fault.Report {
		return artifact.VerifyCloseBundle(cb, nil)
	}),
	artifact.SchemaFinancePack: typed(func(fp artifact.FinancePack, _ Options) *fault.Report {
		return artifact.VerifyFinancePack(fp, nil, nil, nil)
	}),
	artifact.SchemaCompatMatrix: typed(func(rep artifact.CompatMatrixReport, _ Options) *fault.Report {
		return artifact.VerifyCompatMatrixReport(rep)
	}),
	artifact.SchemaSessionReplayPack: typed(func(p session.ReplayPack, opts Options) *fault.Report {
		return session.VerifyReplayPack(p, opts.Trust)
	}),
	artifact.SchemaSessionTranscript: typed(func(tr session.Transcript, _ Options) *fault.Report {
		return session.VerifyTranscript(tr, nil, nil)
	}),
	artifact.SchemaCompletionReceipt: typed(func(rc workorder.CompletionReceipt, _ Options) *fault.Report {
		return workorder.VerifyCompletionReceipt(rc, nil)
	}),
	artifact.SchemaMeteringSnapshot: typed(func(s workorder.MeteringSnapshot, _ Options) *fault.Report {
		return workorder.VerifyMeteringSnapshot(s)
	}),
	artifact.SchemaX402Settlement: typed(func(s gate.Settlement, _ Options) *fault.Report {
		return gate.VerifySettlement(s, nil)
	}),
	artifact.SchemaX402DecisionTrace: typed(func(tr gate.DecisionTrace, _ Options) *fault.Report {
		return gate.VerifyDecisionTrace(tr)
	}),
	artifact.SchemaConformanceRun: typed(func(rep conform.RunReport, _ Options) *fault.Report {
		return conform.VerifyRunReport(rep)
	}),
	artifact.SchemaConformanceCert: typed(func(cb conform.CertBundle, _ Options) *fault.Report {
		return conform.VerifyCertBundle(cb)
	}),
}

// typed decodes into the family's wrapper struct before verifying, so a
// document that does not even decode fails as SCHEMA_INVALID.
func typed[T any](verify func(T, Options) *fault.Report) verifyFn {
	return func(data []byte, opts Options) *fault.Report {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			r := fault.NewReport()
			r.AddError(fault.CodeSchemaInvalid, "", "artifact does not decode: "+err.Error())
			return r
		}
		return verify(v, opts)
	}
}
