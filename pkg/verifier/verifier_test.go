package verifier_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/artifact"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/verifier"
)

const generatedAt = "2026-02-02T00:00:00.000Z"

func jobProofJSON(t *testing.T) []byte {
	t.Helper()
	head := "a2b4c6d8a2b4c6d8a2b4c6d8a2b4c6d8a2b4c6d8a2b4c6d8a2b4c6d8a2b4c6d8"
	b, err := artifact.BuildJobProofBundle(artifact.JobProofCore{
		JobID:      "job_1",
		TenantID:   "tnt_1",
		StreamID:   "workord_1",
		StreamHead: artifact.StreamHead{ChainHash: &head, EventCount: 4},
		MeteringLines: []artifact.MeteringLine{
			{EventKey: "tok-in", Description: "input tokens", AmountCents: 300, Quantity: 3000},
			{EventKey: "tok-out", Description: "output tokens", AmountCents: 200, Quantity: 1000},
		},
		AmountCents: 500,
		Currency:    "USD",
	}, generatedAt)
	require.NoError(t, err)
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	return raw
}

func TestVerifyDispatchesOnSchemaVersion(t *testing.T) {
	core, report := verifier.Verify("jobproof.json", jobProofJSON(t), verifier.Options{})
	assert.True(t, report.OK)
	assert.True(t, core.OK)
	assert.True(t, core.VerificationOK)
	assert.Equal(t, verifier.ExitOK, core.ExitCode)
	assert.Equal(t, artifact.SchemaJobProofBundle, core.SchemaVersion)
}

func TestVerifyTamperedArtifactExitsOne(t *testing.T) {
	raw := jobProofJSON(t)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["jobProofCore"].(map[string]any)["amountCents"] = float64(9999)
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	core, report := verifier.Verify("jobproof.json", tampered, verifier.Options{})
	assert.False(t, report.OK)
	assert.True(t, core.OK)
	assert.False(t, core.VerificationOK)
	assert.Equal(t, verifier.ExitFailed, core.ExitCode)
	assert.True(t, report.HasErrorCode(fault.CodeArtifactHashMismatch))
}

func TestVerifyUnknownSchemaExitsTwo(t *testing.T) {
	core, _ := verifier.Verify("x.json", []byte(`{"schemaVersion":"Mystery.v9"}`), verifier.Options{})
	assert.False(t, core.OK)
	assert.Equal(t, verifier.ExitUnusable, core.ExitCode)

	core, _ = verifier.Verify("x.json", []byte(`not json at all`), verifier.Options{})
	assert.Equal(t, verifier.ExitUnusable, core.ExitCode)

	core, _ = verifier.Verify("x.json", []byte(`{"hello":"world"}`), verifier.Options{})
	assert.Equal(t, verifier.ExitUnusable, core.ExitCode)
}

func TestVerifyFileMissingExitsTwo(t *testing.T) {
	core, _ := verifier.VerifyFile(filepath.Join(t.TempDir(), "absent.json"), verifier.Options{})
	assert.Equal(t, verifier.ExitUnusable, core.ExitCode)
}

func TestVerifyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobproof.json")
	require.NoError(t, os.WriteFile(path, jobProofJSON(t), 0o600))

	core, report := verifier.VerifyFile(path, verifier.Options{})
	assert.True(t, report.OK)
	assert.Equal(t, verifier.ExitOK, core.ExitCode)
}

func TestBuildOutputSealsCore(t *testing.T) {
	core, _ := verifier.Verify("jobproof.json", jobProofJSON(t), verifier.Options{})
	out, err := verifier.BuildOutput(core, generatedAt)
	require.NoError(t, err)
	assert.Equal(t, artifact.SchemaVerifyCliOutput, out.SchemaVersion)
	assert.Equal(t, artifact.MustSeal(out.OutputCore), out.OutputHash)
}
