package artifact

import (
	"fmt"
	"regexp"

	"github.com/settld-labs/settld/pkg/fault"
)

// monthRe matches the YYYY-MM month key used by the close family.
var monthRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// StreamHead pins a stream's state at build time: artifacts that bind a
// stream capture its head by hash, not by reference.
type StreamHead struct {
	ChainHash  *string `json:"chainHash"`
	EventCount int     `json:"eventCount"`
}

// MeteringLine is one billable line inside a job proof.
type MeteringLine struct {
	EventKey    string `json:"eventKey"`
	Description string `json:"description"`
	AmountCents int64  `json:"amountCents"`
	Quantity    int64  `json:"quantity"`
}

// GateDecisionRef binds a job proof to the x402 settlement that paid it.
type GateDecisionRef struct {
	GateID              string   `json:"gateId"`
	DecisionID          string   `json:"decisionId"`
	ReleasedAmountCents int64    `json:"releasedAmountCents"`
	RefundedAmountCents int64    `json:"refundedAmountCents"`
	ReasonCodes         []string `json:"reasonCodes"`
}

// JobProofCore is the hashed payload of a JobProofBundle.
type JobProofCore struct {
	JobID           string           `json:"jobId"`
	TenantID        string           `json:"tenantId"`
	StreamID        string           `json:"streamId"`
	StreamHead      StreamHead       `json:"streamHead"`
	MeteringLines   []MeteringLine   `json:"meteringLines"`
	GateDecisionRef *GateDecisionRef `json:"gateDecisionRef"`
	AmountCents     int64            `json:"amountCents"`
	Currency        string           `json:"currency"`
}

// JobProofBundle proves one job's metering and settlement against a pinned
// stream head.
type JobProofBundle struct {
	SchemaVersion string       `json:"schemaVersion"`
	GeneratedAt   string       `json:"generatedAt"`
	JobProofCore  JobProofCore `json:"jobProofCore"`
	JobProofHash  string       `json:"jobProofHash"`
}

// BuildJobProofBundle seals a job proof core. The amount must equal the sum
// of the metering lines.
func BuildJobProofBundle(core JobProofCore, generatedAt string) (JobProofBundle, error) {
	var sum int64
	seen := make(map[string]bool, len(core.MeteringLines))
	for _, line := range core.MeteringLines {
		if seen[line.EventKey] {
			return JobProofBundle{}, fault.Newf(fault.CodeSchemaInvalid,
				"duplicate metering eventKey %q", line.EventKey)
		}
		seen[line.EventKey] = true
		sum += line.AmountCents
	}
	if sum != core.AmountCents {
		return JobProofBundle{}, fault.Newf(fault.CodeSchemaInvalid,
			"amountCents %d does not equal metering total %d", core.AmountCents, sum)
	}
	if core.MeteringLines == nil {
		core.MeteringLines = []MeteringLine{}
	}
	hash, err := Seal(core)
	if err != nil {
		return JobProofBundle{}, err
	}
	return JobProofBundle{
		SchemaVersion: SchemaJobProofBundle,
		GeneratedAt:   generatedAt,
		JobProofCore:  core,
		JobProofHash:  hash,
	}, nil
}

// VerifyJobProofBundle rechecks the seal and the internal metering totals.
func VerifyJobProofBundle(b JobProofBundle) *fault.Report {
	r := fault.NewReport()
	if !CheckVersion(r, "schemaVersion", b.SchemaVersion, SchemaJobProofBundle) {
		return r
	}
	CheckSeal(r, "jobProofHash", b.JobProofCore, b.JobProofHash)

	var sum int64
	seen := map[string]bool{}
	for i, line := range b.JobProofCore.MeteringLines {
		path := fmt.Sprintf("jobProofCore.meteringLines[%d]", i)
		if seen[line.EventKey] {
			r.AddError(fault.CodeSchemaInvalid, path,
				fmt.Sprintf("duplicate eventKey %q", line.EventKey))
		}
		seen[line.EventKey] = true
		sum += line.AmountCents
	}
	if sum != b.JobProofCore.AmountCents {
		r.AddError(fault.CodeSchemaInvalid, "jobProofCore.amountCents",
			fmt.Sprintf("amountCents %d does not equal metering total %d", b.JobProofCore.AmountCents, sum))
	}
	if ref := b.JobProofCore.GateDecisionRef; ref != nil {
		if ref.ReleasedAmountCents+ref.RefundedAmountCents != b.JobProofCore.AmountCents {
			r.AddError(fault.CodeSchemaInvalid, "jobProofCore.gateDecisionRef",
				"released + refunded does not equal the job amount")
		}
	}
	return r
}

// MonthProofCore aggregates the job proofs of one tenant month by hash.
type MonthProofCore struct {
	TenantID         string   `json:"tenantId"`
	Month            string   `json:"month"`
	JobProofHashes   []string `json:"jobProofHashes"`
	JobCount         int      `json:"jobCount"`
	TotalAmountCents int64    `json:"totalAmountCents"`
	Currency         string   `json:"currency"`
}

// MonthProofBundle binds a month of job proofs into one hash.
type MonthProofBundle struct {
	SchemaVersion  string         `json:"schemaVersion"`
	GeneratedAt    string         `json:"generatedAt"`
	MonthProofCore MonthProofCore `json:"monthProofCore"`
	MonthProofHash string         `json:"monthProofHash"`
}

// BuildMonthProofBundle assembles a month proof from built job proofs.
func BuildMonthProofBundle(tenantID, month, currency string, jobs []JobProofBundle, generatedAt string) (MonthProofBundle, error) {
	if !monthRe.MatchString(month) {
		return MonthProofBundle{}, fault.Newf(fault.CodeSchemaInvalid, "month %q is not YYYY-MM", month)
	}
	core := MonthProofCore{
		TenantID:       tenantID,
		Month:          month,
		JobProofHashes: make([]string, 0, len(jobs)),
		JobCount:       len(jobs),
		Currency:       currency,
	}
	for _, j := range jobs {
		core.JobProofHashes = append(core.JobProofHashes, j.JobProofHash)
		core.TotalAmountCents += j.JobProofCore.AmountCents
	}
	hash, err := Seal(core)
	if err != nil {
		return MonthProofBundle{}, err
	}
	return MonthProofBundle{
		SchemaVersion:  SchemaMonthProofBundle,
		GeneratedAt:    generatedAt,
		MonthProofCore: core,
		MonthProofHash: hash,
	}, nil
}

// VerifyMonthProofBundle rechecks the seal; when the job proofs are supplied
// it also rechecks each binding and the aggregate totals.
func VerifyMonthProofBundle(b MonthProofBundle, jobs []JobProofBundle) *fault.Report {
	r := fault.NewReport()
	if !CheckVersion(r, "schemaVersion", b.SchemaVersion, SchemaMonthProofBundle) {
		return r
	}
	CheckSeal(r, "monthProofHash", b.MonthProofCore, b.MonthProofHash)
	if b.MonthProofCore.JobCount != len(b.MonthProofCore.JobProofHashes) {
		r.AddError(fault.CodeSchemaInvalid, "monthProofCore.jobCount",
			fmt.Sprintf("jobCount %d does not match %d jobProofHashes",
				b.MonthProofCore.JobCount, len(b.MonthProofCore.JobProofHashes)))
	}
	if jobs == nil {
		return r
	}
	if len(jobs) != len(b.MonthProofCore.JobProofHashes) {
		r.AddError(fault.CodeCrossArtifactBindingMismatch, "monthProofCore.jobProofHashes",
			fmt.Sprintf("%d job proofs supplied for %d bound hashes", len(jobs), len(b.MonthProofCore.JobProofHashes)))
		return r
	}
	var total int64
	for i, j := range jobs {
		path := fmt.Sprintf("monthProofCore.jobProofHashes[%d]", i)
		CheckBinding(r, path, b.MonthProofCore.JobProofHashes[i], j.JobProofHash)
		r.Merge(VerifyJobProofBundle(j), fmt.Sprintf("jobProofs[%d]", i))
		total += j.JobProofCore.AmountCents
	}
	if total != b.MonthProofCore.TotalAmountCents {
		r.AddError(fault.CodeSchemaInvalid, "monthProofCore.totalAmountCents",
			fmt.Sprintf("totalAmountCents %d does not equal job total %d", b.MonthProofCore.TotalAmountCents, total))
	}
	return r
}

// InvoiceLine is one line of a tenant invoice.
type InvoiceLine struct {
	JobID       string `json:"jobId"`
	Description string `json:"description"`
	AmountCents int64  `json:"amountCents"`
}

// InvoiceCore is the hashed payload of an InvoiceBundle. It binds the month
// proof the invoice bills against.
type InvoiceCore struct {
	InvoiceID        string        `json:"invoiceId"`
	TenantID         string        `json:"tenantId"`
	Month            string        `json:"month"`
	Lines            []InvoiceLine `json:"lines"`
	TotalAmountCents int64         `json:"totalAmountCents"`
	Currency         string        `json:"currency"`
	MonthProofHash   string        `json:"monthProofHash"`
}

// InvoiceBundle is a verifiable tenant invoice.
type InvoiceBundle struct {
	SchemaVersion string      `json:"schemaVersion"`
	GeneratedAt   string      `json:"generatedAt"`
	InvoiceCore   InvoiceCore `json:"invoiceCore"`
	InvoiceHash   string      `json:"invoiceHash"`
}

// BuildInvoiceBundle derives an invoice from a month proof and its jobs.
func BuildInvoiceBundle(invoiceID string, month MonthProofBundle, jobs []JobProofBundle, generatedAt string) (InvoiceBundle, error) {
	core := InvoiceCore{
		InvoiceID:      invoiceID,
		TenantID:       month.MonthProofCore.TenantID,
		Month:          month.MonthProofCore.Month,
		Lines:          make([]InvoiceLine, 0, len(jobs)),
		Currency:       month.MonthProofCore.Currency,
		MonthProofHash: month.MonthProofHash,
	}
	for _, j := range jobs {
		core.Lines = append(core.Lines, InvoiceLine{
			JobID:       j.JobProofCore.JobID,
			Description: fmt.Sprintf("job %s (%s)", j.JobProofCore.JobID, j.JobProofCore.StreamID),
			AmountCents: j.JobProofCore.AmountCents,
		})
		core.TotalAmountCents += j.JobProofCore.AmountCents
	}
	hash, err := Seal(core)
	if err != nil {
		return InvoiceBundle{}, err
	}
	return InvoiceBundle{
		SchemaVersion: SchemaInvoiceBundle,
		GeneratedAt:   generatedAt,
		InvoiceCore:   core,
		InvoiceHash:   hash,
	}, nil
}

// VerifyInvoiceBundle rechecks the seal, the line totals, and, when the
// month proof is supplied, the month binding.
func VerifyInvoiceBundle(b InvoiceBundle, month *MonthProofBundle) *fault.Report {
	r := fault.NewReport()
	if !CheckVersion(r, "schemaVersion", b.SchemaVersion, SchemaInvoiceBundle) {
		return r
	}
	CheckSeal(r, "invoiceHash", b.InvoiceCore, b.InvoiceHash)

	var total int64
	for _, line := range b.InvoiceCore.Lines {
		total += line.AmountCents
	}
	if total != b.InvoiceCore.TotalAmountCents {
		r.AddError(fault.CodeSchemaInvalid, "invoiceCore.totalAmountCents",
			fmt.Sprintf("totalAmountCents %d does not equal line total %d", b.InvoiceCore.TotalAmountCents, total))
	}
	if month != nil {
		CheckBinding(r, "invoiceCore.monthProofHash", b.InvoiceCore.MonthProofHash, month.MonthProofHash)
		if b.InvoiceCore.TotalAmountCents != month.MonthProofCore.TotalAmountCents {
			r.AddError(fault.CodeCrossArtifactBindingMismatch, "invoiceCore.totalAmountCents",
				"invoice total does not equal the bound month proof total")
		}
	}
	return r
}
