package workorder

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
)

// CompletionReceiptCore is the hashed payload of a CompletionReceipt.
// It binds the receipt to the metering digest and the x402 gate and run that
// pay for the work.
type CompletionReceiptCore struct {
	ReceiptID          string   `json:"receiptId"`
	WorkOrderID        string   `json:"workOrderId"`
	TenantID           string   `json:"tenantId"`
	MeterDigest        string   `json:"meterDigest"`
	CoveredAmountCents int64    `json:"coveredAmountCents"`
	Currency           string   `json:"currency"`
	EvidenceRefs       []string `json:"evidenceRefs"`
	X402GateID         *string  `json:"x402GateId"`
	X402RunID          *string  `json:"x402RunId"`
}

// CompletionReceipt is issued when a work order reaches completed.
type CompletionReceipt struct {
	SchemaVersion string                `json:"schemaVersion"`
	GeneratedAt   string                `json:"generatedAt"`
	ReceiptCore   CompletionReceiptCore `json:"receiptCore"`
	ReceiptHash   string                `json:"receiptHash"`
}

// BuildCompletionReceipt derives the receipt from a completed order.
func BuildCompletionReceipt(o *Order, evidenceRefs []string, generatedAt string) (CompletionReceipt, error) {
	if o.State != StateCompleted {
		return CompletionReceipt{}, fault.Newf(fault.CodeSchemaInvalid,
			"work order %s is %s, receipts require completed", o.WorkOrderID, o.State)
	}
	m, err := o.Metering()
	if err != nil {
		return CompletionReceipt{}, err
	}
	if evidenceRefs == nil {
		evidenceRefs = []string{}
	}
	core := CompletionReceiptCore{
		ReceiptID:          contracts.NewID(contracts.PrefixReceipt),
		WorkOrderID:        o.WorkOrderID,
		TenantID:           o.TenantID,
		MeterDigest:        m.MeterDigest,
		CoveredAmountCents: m.CoveredAmountCents,
		Currency:           o.Currency,
		EvidenceRefs:       evidenceRefs,
	}
	if o.X402GateID != "" {
		core.X402GateID = &o.X402GateID
	}
	if o.X402RunID != "" {
		core.X402RunID = &o.X402RunID
	}
	hash, err := artifact.Seal(core)
	if err != nil {
		return CompletionReceipt{}, err
	}
	return CompletionReceipt{
		SchemaVersion: artifact.SchemaCompletionReceipt,
		GeneratedAt:   generatedAt,
		ReceiptCore:   core,
		ReceiptHash:   hash,
	}, nil
}

// VerifyCompletionReceipt rechecks the seal; with the order supplied it also
// recomputes the metering digest from the order's meters.
func VerifyCompletionReceipt(rc CompletionReceipt, o *Order) *fault.Report {
	r := fault.NewReport()
	if !artifact.CheckVersion(r, "schemaVersion", rc.SchemaVersion, artifact.SchemaCompletionReceipt) {
		return r
	}
	artifact.CheckSeal(r, "receiptHash", rc.ReceiptCore, rc.ReceiptHash)
	if o == nil {
		return r
	}
	m, err := o.Metering()
	if err != nil {
		r.AddFault(err, "receiptCore.meterDigest", fault.CodeCanonicalJSONUnsupported)
		return r
	}
	artifact.CheckBinding(r, "receiptCore.meterDigest", rc.ReceiptCore.MeterDigest, m.MeterDigest)
	if rc.ReceiptCore.CoveredAmountCents != m.CoveredAmountCents {
		r.AddError(fault.CodeCrossArtifactBindingMismatch, "receiptCore.coveredAmountCents",
			fmt.Sprintf("receipt covers %d cents, order covers %d",
				rc.ReceiptCore.CoveredAmountCents, m.CoveredAmountCents))
	}
	return r
}

// MeteringSnapshotCore captures the meters and digest of a work order at a
// point in time.
type MeteringSnapshotCore struct {
	WorkOrderID string   `json:"workOrderId"`
	TenantID    string   `json:"tenantId"`
	Meters      []Meter  `json:"meters"`
	Metering    Metering `json:"metering"`
	CapturedAt  string   `json:"capturedAt"`
}

// MeteringSnapshot is the WorkOrderMeteringSnapshot artifact.
type MeteringSnapshot struct {
	SchemaVersion string               `json:"schemaVersion"`
	GeneratedAt   string               `json:"generatedAt"`
	SnapshotCore  MeteringSnapshotCore `json:"snapshotCore"`
	SnapshotHash  string               `json:"snapshotHash"`
}

// BuildMeteringSnapshot seals the current meters of an order.
func BuildMeteringSnapshot(o *Order, generatedAt string) (MeteringSnapshot, error) {
	m, err := o.Metering()
	if err != nil {
		return MeteringSnapshot{}, err
	}
	meters := make([]Meter, len(o.Meters))
	copy(meters, o.Meters)
	core := MeteringSnapshotCore{
		WorkOrderID: o.WorkOrderID,
		TenantID:    o.TenantID,
		Meters:      meters,
		Metering:    m,
		CapturedAt:  generatedAt,
	}
	hash, err := artifact.Seal(core)
	if err != nil {
		return MeteringSnapshot{}, err
	}
	return MeteringSnapshot{
		SchemaVersion: artifact.SchemaMeteringSnapshot,
		GeneratedAt:   generatedAt,
		SnapshotCore:  core,
		SnapshotHash:  hash,
	}, nil
}

// VerifyMeteringSnapshot rechecks the seal, every meter hash, and the digest
// over the ordered meter hashes.
func VerifyMeteringSnapshot(s MeteringSnapshot) *fault.Report {
	r := fault.NewReport()
	if !artifact.CheckVersion(r, "schemaVersion", s.SchemaVersion, artifact.SchemaMeteringSnapshot) {
		return r
	}
	artifact.CheckSeal(r, "snapshotHash", s.SnapshotCore, s.SnapshotHash)

	var topUps int64
	hashes := make([]string, 0, len(s.SnapshotCore.Meters))
	for i, m := range s.SnapshotCore.Meters {
		path := fmt.Sprintf("snapshotCore.meters[%d]", i)
		want, err := meterHash(TopUp{
			TopUpID: m.TopUpID, EventKey: m.EventKey, AmountCents: m.AmountCents,
			Quantity: m.Quantity, Currency: m.Currency, OccurredAt: m.OccurredAt,
		})
		if err != nil {
			r.AddFault(err, path, fault.CodeCanonicalJSONUnsupported)
			continue
		}
		if want != m.Hash {
			r.AddError(fault.CodeArtifactHashMismatch, path, "meter hash does not recompute")
		}
		hashes = append(hashes, m.Hash)
		topUps += m.AmountCents
	}
	digest, err := canonicalHash(hashes)
	if err != nil {
		r.AddFault(err, "snapshotCore.metering.meterDigest", fault.CodeCanonicalJSONUnsupported)
		return r
	}
	if digest != s.SnapshotCore.Metering.MeterDigest {
		r.AddError(fault.CodeArtifactHashMismatch, "snapshotCore.metering.meterDigest",
			"meterDigest does not recompute from the meter hashes")
	}
	got := s.SnapshotCore.Metering
	if got.CoveredAmountCents != got.BaseAmountCents+topUps {
		r.AddError(fault.CodeSchemaInvalid, "snapshotCore.metering.coveredAmountCents",
			"coveredAmountCents does not equal baseAmountCents plus top-up total")
	}
	return r
}
