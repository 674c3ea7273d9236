package artifact

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/settld-labs/settld/pkg/bundle"
	"github.com/settld-labs/settld/pkg/fault"
)

// ArtifactRef names one artifact inside a close by type, id, and core hash.
type ArtifactRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// CloseTotals summarizes the money movement of a tenant month.
type CloseTotals struct {
	JobCount            int    `json:"jobCount"`
	TotalAmountCents    int64  `json:"totalAmountCents"`
	ReleasedAmountCents int64  `json:"releasedAmountCents"`
	RefundedAmountCents int64  `json:"refundedAmountCents"`
	Currency            string `json:"currency"`
}

// CloseReportCore is the hashed payload of a CloseReport. ArtifactRefs are
// ordered by (type, id) so the same close always hashes identically.
type CloseReportCore struct {
	TenantID     string        `json:"tenantId"`
	Month        string        `json:"month"`
	Totals       CloseTotals   `json:"totals"`
	ArtifactRefs []ArtifactRef `json:"artifactRefs"`
}

// CloseReport is the tenant/month close statement.
type CloseReport struct {
	SchemaVersion   string          `json:"schemaVersion"`
	GeneratedAt     string          `json:"generatedAt"`
	CloseReportCore CloseReportCore `json:"closeReportCore"`
	CloseReportHash string          `json:"closeReportHash"`
}

// BuildCloseReport seals a close over its artifact refs.
func BuildCloseReport(tenantID, month string, totals CloseTotals, refs []ArtifactRef, generatedAt string) (CloseReport, error) {
	if !monthRe.MatchString(month) {
		return CloseReport{}, fault.Newf(fault.CodeSchemaInvalid, "month %q is not YYYY-MM", month)
	}
	ordered := make([]ArtifactRef, len(refs))
	copy(ordered, refs)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Type != ordered[j].Type {
			return ordered[i].Type < ordered[j].Type
		}
		return ordered[i].ID < ordered[j].ID
	})
	core := CloseReportCore{
		TenantID:     tenantID,
		Month:        month,
		Totals:       totals,
		ArtifactRefs: ordered,
	}
	hash, err := Seal(core)
	if err != nil {
		return CloseReport{}, err
	}
	return CloseReport{
		SchemaVersion:   SchemaCloseReport,
		GeneratedAt:     generatedAt,
		CloseReportCore: core,
		CloseReportHash: hash,
	}, nil
}

// VerifyCloseReport rechecks the seal and the ref ordering.
func VerifyCloseReport(rep CloseReport) *fault.Report {
	r := fault.NewReport()
	if !CheckVersion(r, "schemaVersion", rep.SchemaVersion, SchemaCloseReport) {
		return r
	}
	CheckSeal(r, "closeReportHash", rep.CloseReportCore, rep.CloseReportHash)
	refs := rep.CloseReportCore.ArtifactRefs
	for i := 1; i < len(refs); i++ {
		a, b := refs[i-1], refs[i]
		if a.Type > b.Type || (a.Type == b.Type && a.ID >= b.ID) {
			r.AddError(fault.CodeSchemaInvalid, fmt.Sprintf("closeReportCore.artifactRefs[%d]", i),
				"artifactRefs are not ordered by (type, id)")
			break
		}
	}
	return r
}

// CloseBundleCore embeds the close report core and its hash, the same
// one-way binding the conformance cert bundle uses: the embedded core must
// canonicalize to the bound hash.
type CloseBundleCore struct {
	TenantID        string          `json:"tenantId"`
	Month           string          `json:"month"`
	ReportCore      CloseReportCore `json:"reportCore"`
	ReportHash      string          `json:"reportHash"`
	AttestedByKeyID *string         `json:"attestedByKeyId"`
}

// CloseBundle pairs a close report with an optional governance attestation.
type CloseBundle struct {
	SchemaVersion   string          `json:"schemaVersion"`
	GeneratedAt     string          `json:"generatedAt"`
	CloseBundleCore CloseBundleCore `json:"closeBundleCore"`
	CloseBundleHash string          `json:"closeBundleHash"`
	Signature       *string         `json:"signature"`
}

// BuildCloseBundle embeds the report core into a sealed bundle.
func BuildCloseBundle(rep CloseReport, attestedByKeyID *string, generatedAt string) (CloseBundle, error) {
	core := CloseBundleCore{
		TenantID:        rep.CloseReportCore.TenantID,
		Month:           rep.CloseReportCore.Month,
		ReportCore:      rep.CloseReportCore,
		ReportHash:      rep.CloseReportHash,
		AttestedByKeyID: attestedByKeyID,
	}
	hash, err := Seal(core)
	if err != nil {
		return CloseBundle{}, err
	}
	return CloseBundle{
		SchemaVersion:   SchemaCloseBundle,
		GeneratedAt:     generatedAt,
		CloseBundleCore: core,
		CloseBundleHash: hash,
		Signature:       nil,
	}, nil
}

// VerifyCloseBundle rechecks both seals and the embedded-core binding: the
// embedded reportCore must canonicalize to the bound reportHash exactly as
// the standalone report does.
func VerifyCloseBundle(b CloseBundle, rep *CloseReport) *fault.Report {
	r := fault.NewReport()
	if !CheckVersion(r, "schemaVersion", b.SchemaVersion, SchemaCloseBundle) {
		return r
	}
	CheckSeal(r, "closeBundleHash", b.CloseBundleCore, b.CloseBundleHash)
	CheckSeal(r, "closeBundleCore.reportHash", b.CloseBundleCore.ReportCore, b.CloseBundleCore.ReportHash)
	if rep != nil {
		CheckBinding(r, "closeBundleCore.reportHash", b.CloseBundleCore.ReportHash, rep.CloseReportHash)
	}
	return r
}

// FinancePackCore binds the month's finance artifacts into one hash.
type FinancePackCore struct {
	TenantID        string `json:"tenantId"`
	Month           string `json:"month"`
	InvoiceHash     string `json:"invoiceHash"`
	MonthProofHash  string `json:"monthProofHash"`
	CloseReportHash string `json:"closeReportHash"`
}

// FinancePack is the single artifact a finance system ingests for a month.
type FinancePack struct {
	SchemaVersion   string          `json:"schemaVersion"`
	GeneratedAt     string          `json:"generatedAt"`
	FinancePackCore FinancePackCore `json:"financePackCore"`
	FinancePackHash string          `json:"financePackHash"`
}

// BuildFinancePack seals the finance bindings of one tenant month.
func BuildFinancePack(invoice InvoiceBundle, month MonthProofBundle, rep CloseReport, generatedAt string) (FinancePack, error) {
	core := FinancePackCore{
		TenantID:        rep.CloseReportCore.TenantID,
		Month:           rep.CloseReportCore.Month,
		InvoiceHash:     invoice.InvoiceHash,
		MonthProofHash:  month.MonthProofHash,
		CloseReportHash: rep.CloseReportHash,
	}
	hash, err := Seal(core)
	if err != nil {
		return FinancePack{}, err
	}
	return FinancePack{
		SchemaVersion:   SchemaFinancePack,
		GeneratedAt:     generatedAt,
		FinancePackCore: core,
		FinancePackHash: hash,
	}, nil
}

// VerifyFinancePack rechecks the seal and any supplied bindings.
func VerifyFinancePack(p FinancePack, invoice *InvoiceBundle, month *MonthProofBundle, rep *CloseReport) *fault.Report {
	r := fault.NewReport()
	if !CheckVersion(r, "schemaVersion", p.SchemaVersion, SchemaFinancePack) {
		return r
	}
	CheckSeal(r, "financePackHash", p.FinancePackCore, p.FinancePackHash)
	if invoice != nil {
		CheckBinding(r, "financePackCore.invoiceHash", p.FinancePackCore.InvoiceHash, invoice.InvoiceHash)
	}
	if month != nil {
		CheckBinding(r, "financePackCore.monthProofHash", p.FinancePackCore.MonthProofHash, month.MonthProofHash)
	}
	if rep != nil {
		CheckBinding(r, "financePackCore.closeReportHash", p.FinancePackCore.CloseReportHash, rep.CloseReportHash)
	}
	return r
}

// ClosePack entry paths inside the deterministic ZIP.
const (
	ClosePackInvoicePath    = "invoice.json"
	ClosePackMonthProofPath = "month_proof.json"
	ClosePackReportPath     = "close_report.json"
	ClosePackBundlePath     = "close_bundle.json"
	ClosePackFinancePath    = "finance_pack.json"
)

// WriteClosePack renders the full close of a tenant month as a deterministic
// ZIP: manifest.json plus one canonical-JSON file per artifact. Two packs
// built from identical inputs are byte-identical.
func WriteClosePack(invoice InvoiceBundle, month MonthProofBundle, rep CloseReport, cb CloseBundle, fp FinancePack, generatedAt string) ([]byte, error) {
	entries := make([]bundle.Entry, 0, 5)
	for _, doc := range []struct {
		path string
		role string
		v    any
	}{
		{ClosePackInvoicePath, "invoice", invoice},
		{ClosePackMonthProofPath, "monthProof", month},
		{ClosePackReportPath, "closeReport", rep},
		{ClosePackBundlePath, "closeBundle", cb},
		{ClosePackFinancePath, "financePack", fp},
	} {
		data, err := canonicalBytes(doc.v)
		if err != nil {
			return nil, err
		}
		entries = append(entries, bundle.Entry{Path: doc.path, Role: doc.role, Data: data})
	}
	return bundle.Write(generatedAt, entries)
}

// ClosePackContents are the five artifacts a close pack carries.
type ClosePackContents struct {
	Invoice     InvoiceBundle
	MonthProof  MonthProofBundle
	CloseReport CloseReport
	CloseBundle CloseBundle
	FinancePack FinancePack
}

// ReadClosePack opens a close pack ZIP and decodes its artifacts. The
// manifest is checked against the actual entries first.
func ReadClosePack(data []byte) (ClosePackContents, *fault.Report, error) {
	var out ClosePackContents
	man, files, err := bundle.Open(data, bundle.DefaultBudget())
	if err != nil {
		return out, nil, err
	}
	r := bundle.VerifyManifest(man, files)
	for _, doc := range []struct {
		path string
		v    any
	}{
		{ClosePackInvoicePath, &out.Invoice},
		{ClosePackMonthProofPath, &out.MonthProof},
		{ClosePackReportPath, &out.CloseReport},
		{ClosePackBundlePath, &out.CloseBundle},
		{ClosePackFinancePath, &out.FinancePack},
	} {
		raw, ok := files[doc.path]
		if !ok {
			r.AddError(fault.CodeSchemaInvalid, doc.path, "entry missing from pack")
			continue
		}
		if err := json.Unmarshal(raw, doc.v); err != nil {
			r.AddError(fault.CodeSchemaInvalid, doc.path, "entry does not decode: "+err.Error())
		}
	}
	return out, r, nil
}

// VerifyClosePack re-verifies every artifact in a close pack plus all the
// cross bindings between them.
func VerifyClosePack(data []byte) *fault.Report {
	c, r, err := ReadClosePack(data)
	if err != nil {
		r = fault.NewReport()
		r.AddFault(err, "", fault.CodeZipUnsafeEntry)
		return r
	}
	if !r.OK {
		return r
	}
	r.Merge(VerifyInvoiceBundle(c.Invoice, &c.MonthProof), ClosePackInvoicePath)
	r.Merge(VerifyMonthProofBundle(c.MonthProof, nil), ClosePackMonthProofPath)
	r.Merge(VerifyCloseReport(c.CloseReport), ClosePackReportPath)
	r.Merge(VerifyCloseBundle(c.CloseBundle, &c.CloseReport), ClosePackBundlePath)
	r.Merge(VerifyFinancePack(c.FinancePack, &c.Invoice, &c.MonthProof, &c.CloseReport), ClosePackFinancePath)
	return r
}
