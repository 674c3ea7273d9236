package conform

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/fault"
)

// Outcome is what the verifier reported for one (possibly mutated) bundle.
type Outcome struct {
	ExitCode       int      `json:"exitCode"`
	OK             bool     `json:"ok"`
	VerificationOK bool     `json:"verificationOk"`
	ErrorCodes     []string `json:"errorCodes"`
	WarningCodes   []string `json:"warningCodes"`
}

// Verifier checks one bundle file and reports the outcome. The CLI verifier
// satisfies this; tests inject fakes.
type Verifier interface {
	VerifyBundle(ctx context.Context, path string) (Outcome, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, path string) (Outcome, error)

func (f VerifierFunc) VerifyBundle(ctx context.Context, path string) (Outcome, error) {
	return f(ctx, path)
}

// CaseResult is one case's pass/fail with both sides of the diff.
type CaseResult struct {
	CaseID   string   `json:"caseId"`
	Kind     string   `json:"kind"`
	Pass     bool     `json:"pass"`
	Expected Expected `json:"expected"`
	Actual   Outcome  `json:"actual"`
	Diffs    []string `json:"diffs"`
}

// RunTotals aggregates a run.
type RunTotals struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// RunReportCore is the hashed payload of a ConformanceRunReport.
type RunReportCore struct {
	PackName       string       `json:"packName"`
	PackVersion    string       `json:"packVersion"`
	HarnessVersion string       `json:"harnessVersion"`
	Cases          []CaseResult `json:"cases"`
	Totals         RunTotals    `json:"totals"`
	Pass           bool         `json:"pass"`
}

// RunReport is the ConformanceRunReport artifact.
type RunReport struct {
	SchemaVersion string        `json:"schemaVersion"`
	GeneratedAt   string        `json:"generatedAt"`
	ReportCore    RunReportCore `json:"reportCore"`
	ReportHash    string        `json:"reportHash"`
}

// CertBundleCore embeds the run report core plus its hash, so the cert stays
// verifiable without the report at hand while still binding it one-way.
type CertBundleCore struct {
	PackName       string        `json:"packName"`
	PackVersion    string        `json:"packVersion"`
	HarnessVersion string        `json:"harnessVersion"`
	ReportCore     RunReportCore `json:"reportCore"`
	ReportHash     string        `json:"reportHash"`
	Pass           bool          `json:"pass"`
}

// CertBundle is the ConformanceCertBundle artifact.
type CertBundle struct {
	SchemaVersion string         `json:"schemaVersion"`
	GeneratedAt   string         `json:"generatedAt"`
	CertCore      CertBundleCore `json:"certCore"`
	CertHash      string         `json:"certHash"`
}

// Runner executes packs against a verifier.
type Runner struct {
	verifier Verifier
	tempDir  string
}

// NewRunner builds a runner. tempDir may be empty to use the OS default.
func NewRunner(v Verifier) *Runner {
	return &Runner{verifier: v}
}

// WithTempDir overrides where mutated bundles are staged.
func (r *Runner) WithTempDir(dir string) *Runner {
	r.tempDir = dir
	return r
}

// Run executes every case in the pack and seals a run report. A case passes
// when the verifier's outcome matches the expectation exactly, error and
// warning codes compared as sets.
func (r *Runner) Run(ctx context.Context, p *Pack, generatedAt string) (RunReport, error) {
	core := RunReportCore{
		PackName:       p.Manifest.Name,
		PackVersion:    p.Manifest.Version,
		HarnessVersion: HarnessVersion,
		Cases:          []CaseResult{},
		Pass:           true,
	}
	for _, c := range p.Cases {
		res, err := r.runCase(ctx, p.Root, c)
		if err != nil {
			return RunReport{}, err
		}
		core.Cases = append(core.Cases, res)
		core.Totals.Total++
		if res.Pass {
			core.Totals.Passed++
		} else {
			core.Totals.Failed++
			core.Pass = false
		}
	}
	hash, err := artifact.Seal(core)
	if err != nil {
		return RunReport{}, err
	}
	return RunReport{
		SchemaVersion: artifact.SchemaConformanceRun,
		GeneratedAt:   generatedAt,
		ReportCore:    core,
		ReportHash:    hash,
	}, nil
}

func (r *Runner) runCase(ctx context.Context, root string, c Case) (CaseResult, error) {
	data, err := os.ReadFile(filepath.Join(root, c.BundlePath))
	if err != nil {
		return CaseResult{}, fault.Wrap(fault.CodeSchemaInvalid,
			"case "+c.ID+" bundle unreadable", err)
	}
	if len(c.Mutations) > 0 {
		data, err = ApplyMutations(data, c.Mutations)
		if err != nil {
			return CaseResult{}, fault.Wrap(fault.CodeSchemaInvalid,
				"case "+c.ID+" mutation failed", err)
		}
	}
	dir, err := os.MkdirTemp(r.tempDir, "conform-"+c.ID+"-")
	if err != nil {
		return CaseResult{}, err
	}
	defer os.RemoveAll(dir)
	staged := filepath.Join(dir, "bundle.zip")
	if err := os.WriteFile(staged, data, 0o600); err != nil {
		return CaseResult{}, err
	}

	actual, err := r.verifier.VerifyBundle(ctx, staged)
	if err != nil {
		return CaseResult{}, err
	}
	if actual.ErrorCodes == nil {
		actual.ErrorCodes = []string{}
	}
	if actual.WarningCodes == nil {
		actual.WarningCodes = []string{}
	}

	res := CaseResult{
		CaseID:   c.ID,
		Kind:     c.Kind,
		Expected: c.Expected,
		Actual:   actual,
		Diffs:    diffOutcome(c.Expected, actual),
	}
	res.Pass = len(res.Diffs) == 0
	return res, nil
}

func diffOutcome(want Expected, got Outcome) []string {
	diffs := []string{}
	if want.ExitCode != got.ExitCode {
		diffs = append(diffs, "exitCode")
	}
	if want.OK != got.OK {
		diffs = append(diffs, "ok")
	}
	if want.VerificationOK != got.VerificationOK {
		diffs = append(diffs, "verificationOk")
	}
	if !sameCodeSet(want.ErrorCodes, got.ErrorCodes) {
		diffs = append(diffs, "errorCodes")
	}
	if !sameCodeSet(want.WarningCodes, got.WarningCodes) {
		diffs = append(diffs, "warningCodes")
	}
	return diffs
}

func sameCodeSet(a, b []string) bool {
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// BuildCertBundle seals a cert over a run report.
func BuildCertBundle(rep RunReport, generatedAt string) (CertBundle, error) {
	core := CertBundleCore{
		PackName:       rep.ReportCore.PackName,
		PackVersion:    rep.ReportCore.PackVersion,
		HarnessVersion: rep.ReportCore.HarnessVersion,
		ReportCore:     rep.ReportCore,
		ReportHash:     rep.ReportHash,
		Pass:           rep.ReportCore.Pass,
	}
	hash, err := artifact.Seal(core)
	if err != nil {
		return CertBundle{}, err
	}
	return CertBundle{
		SchemaVersion: artifact.SchemaConformanceCert,
		GeneratedAt:   generatedAt,
		CertCore:      core,
		CertHash:      hash,
	}, nil
}

// VerifyRunReport rechecks a run report's seal and internal consistency.
func VerifyRunReport(rep RunReport) *fault.Report {
	r := fault.NewReport()
	if !artifact.CheckVersion(r, "schemaVersion", rep.SchemaVersion, artifact.SchemaConformanceRun) {
		return r
	}
	artifact.CheckSeal(r, "reportHash", rep.ReportCore, rep.ReportHash)
	got := RunTotals{}
	pass := true
	for _, c := range rep.ReportCore.Cases {
		got.Total++
		if c.Pass {
			got.Passed++
		} else {
			got.Failed++
			pass = false
		}
	}
	if got != rep.ReportCore.Totals || pass != rep.ReportCore.Pass {
		r.AddError(fault.CodeSchemaInvalid, "reportCore.totals",
			"totals do not match the case results")
	}
	return r
}

// VerifyCertBundle rechecks a cert's seal and its embedded report binding.
func VerifyCertBundle(cb CertBundle) *fault.Report {
	r := fault.NewReport()
	if !artifact.CheckVersion(r, "schemaVersion", cb.SchemaVersion, artifact.SchemaConformanceCert) {
		return r
	}
	artifact.CheckSeal(r, "certHash", cb.CertCore, cb.CertHash)
	embedded, err := artifact.Seal(cb.CertCore.ReportCore)
	if err != nil {
		r.AddFault(err, "certCore.reportCore", fault.CodeCanonicalJSONUnsupported)
		return r
	}
	artifact.CheckBinding(r, "certCore.reportHash", cb.CertCore.ReportHash, embedded)
	if cb.CertCore.Pass != cb.CertCore.ReportCore.Pass {
		r.AddError(fault.CodeSchemaInvalid, "certCore.pass",
			"pass flag does not match the embedded report")
	}
	return r
}

// StrictCheck recomputes both conformance artifacts. Any drift fails with
// CONFORMANCE_STRICT_ARTIFACT_VALIDATION_FAILED so a forged pair cannot
// clear the strict gate.
func StrictCheck(rep RunReport, cb CertBundle) *fault.Report {
	r := fault.NewReport()
	repReport := VerifyRunReport(rep)
	certReport := VerifyCertBundle(cb)
	if !repReport.OK || !certReport.OK {
		r.AddError(fault.CodeConformanceStrictFailed, "",
			"conformance artifacts do not re-verify")
		r.Merge(repReport, "report")
		r.Merge(certReport, "cert")
		return r
	}
	if cb.CertCore.ReportHash != rep.ReportHash {
		r.AddError(fault.CodeConformanceStrictFailed, "certCore.reportHash",
			"cert does not bind this run report")
	}
	return r
}
