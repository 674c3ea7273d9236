package artifact_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/fault"
)

const generatedAt = "2026-02-02T00:00:00.000Z"

func jobProof(t *testing.T, jobID string, amount int64) artifact.JobProofBundle {
	t.Helper()
	head := "a1b2"
	b, err := artifact.BuildJobProofBundle(artifact.JobProofCore{
		JobID:    jobID,
		TenantID: "t1",
		StreamID: "sess_1",
		StreamHead: artifact.StreamHead{
			ChainHash:  &head,
			EventCount: 3,
		},
		MeteringLines: []artifact.MeteringLine{
			{EventKey: "base", Description: "base fee", AmountCents: amount, Quantity: 1},
		},
		AmountCents: amount,
		Currency:    "USD",
	}, generatedAt)
	require.NoError(t, err)
	return b
}

func TestBuildJobProofBundleSealsCore(t *testing.T) {
	b := jobProof(t, "job_1", 500)

	assert.Equal(t, artifact.SchemaJobProofBundle, b.SchemaVersion)
	want, err := artifact.Seal(b.JobProofCore)
	require.NoError(t, err)
	assert.Equal(t, want, b.JobProofHash)

	r := artifact.VerifyJobProofBundle(b)
	assert.True(t, r.OK)
	assert.Empty(t, r.Errors)
}

func TestBuildJobProofBundleRejectsBadTotals(t *testing.T) {
	_, err := artifact.BuildJobProofBundle(artifact.JobProofCore{
		JobID: "job_1", TenantID: "t1", StreamID: "sess_1",
		MeteringLines: []artifact.MeteringLine{{EventKey: "base", AmountCents: 100, Quantity: 1}},
		AmountCents:   500, Currency: "USD",
	}, generatedAt)
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))

	_, err = artifact.BuildJobProofBundle(artifact.JobProofCore{
		JobID: "job_1", TenantID: "t1", StreamID: "sess_1",
		MeteringLines: []artifact.MeteringLine{
			{EventKey: "base", AmountCents: 100, Quantity: 1},
			{EventKey: "base", AmountCents: 100, Quantity: 1},
		},
		AmountCents: 200, Currency: "USD",
	}, generatedAt)
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))
}

func TestVerifyJobProofBundleDetectsTamper(t *testing.T) {
	b := jobProof(t, "job_1", 500)
	b.JobProofCore.AmountCents = 9000
	b.JobProofCore.MeteringLines[0].AmountCents = 9000

	r := artifact.VerifyJobProofBundle(b)
	assert.False(t, r.OK)
	assert.True(t, r.HasErrorCode(fault.CodeArtifactHashMismatch))
}

func TestVerifyJobProofBundleWrongVersion(t *testing.T) {
	b := jobProof(t, "job_1", 500)
	b.SchemaVersion = "JobProofBundle.v2"

	r := artifact.VerifyJobProofBundle(b)
	assert.False(t, r.OK)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, fault.CodeUnsupportedSchemaVersion, r.Errors[0].Code)
	assert.Contains(t, r.Errors[0].Message, "JobProofBundle.v1")
	assert.Contains(t, r.Errors[0].Message, "JobProofBundle.v2")
}

func TestMonthProofBundleBindsJobs(t *testing.T) {
	j1 := jobProof(t, "job_1", 500)
	j2 := jobProof(t, "job_2", 700)

	m, err := artifact.BuildMonthProofBundle("t1", "2026-02", "USD",
		[]artifact.JobProofBundle{j1, j2}, generatedAt)
	require.NoError(t, err)
	assert.Equal(t, 2, m.MonthProofCore.JobCount)
	assert.Equal(t, int64(1200), m.MonthProofCore.TotalAmountCents)

	r := artifact.VerifyMonthProofBundle(m, []artifact.JobProofBundle{j1, j2})
	assert.True(t, r.OK)

	// Swapping one job proof breaks the hash binding.
	j3 := jobProof(t, "job_3", 500)
	r = artifact.VerifyMonthProofBundle(m, []artifact.JobProofBundle{j1, j3})
	assert.True(t, r.HasErrorCode(fault.CodeCrossArtifactBindingMismatch))
}

func TestBuildMonthProofBundleRejectsBadMonth(t *testing.T) {
	_, err := artifact.BuildMonthProofBundle("t1", "2026-13", "USD", nil, generatedAt)
	assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err))
}

func TestInvoiceBundleRoundTrip(t *testing.T) {
	j1 := jobProof(t, "job_1", 500)
	month, err := artifact.BuildMonthProofBundle("t1", "2026-02", "USD",
		[]artifact.JobProofBundle{j1}, generatedAt)
	require.NoError(t, err)

	inv, err := artifact.BuildInvoiceBundle("inv_1", month, []artifact.JobProofBundle{j1}, generatedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(500), inv.InvoiceCore.TotalAmountCents)
	assert.Equal(t, month.MonthProofHash, inv.InvoiceCore.MonthProofHash)

	r := artifact.VerifyInvoiceBundle(inv, &month)
	assert.True(t, r.OK)

	inv.InvoiceCore.Lines[0].AmountCents = 1
	r = artifact.VerifyInvoiceBundle(inv, &month)
	assert.True(t, r.HasErrorCode(fault.CodeArtifactHashMismatch))
}
