// Package conform runs conformance packs: bundles of known-good artifacts,
// per-case mutations, and expected verifier outcomes. A pack passing proves
// an implementation emits and rejects exactly what the artifact contracts
// require.
package conform

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/settld-labs/settld/pkg/fault"
)

// Mutation operators.
const (
	OpSet      = "set"
	OpRemove   = "remove"
	OpFlipByte = "flipByte"
	OpTruncate = "truncate"
)

// Mutation alters one bundle entry before verification. For set/remove the
// path is "<zip entry>#<json pointer>"; for flipByte/truncate it is the zip
// entry alone and Offset addresses a byte within it.
type Mutation struct {
	Op     string          `json:"op"`
	Path   string          `json:"path"`
	Value  json.RawMessage `json:"value,omitempty"`
	Offset *int            `json:"offset,omitempty"`
}

// Expected is the verifier outcome a case demands.
type Expected struct {
	ExitCode       int      `json:"exitCode"`
	OK             bool     `json:"ok"`
	VerificationOK bool     `json:"verificationOk"`
	ErrorCodes     []string `json:"errorCodes"`
	WarningCodes   []string `json:"warningCodes"`
}

// Case is one conformance case.
type Case struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	BundlePath string     `json:"bundlePath"`
	Mutations  []Mutation `json:"mutations,omitempty"`
	Expected   Expected   `json:"expected"`
}

//go:embed case_schema.json
var caseSchemaJSON string

var caseSchema = jsonschema.MustCompileString("case_schema.json", caseSchemaJSON)

// ParseCase validates raw case JSON against the embedded schema and decodes
// it. Schema violations fail with SCHEMA_INVALID so a malformed pack cannot
// half-run.
func ParseCase(raw []byte) (Case, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return Case{}, fault.Wrap(fault.CodeSchemaInvalid, "case is not JSON", err)
	}
	if err := caseSchema.Validate(v); err != nil {
		return Case{}, fault.Wrap(fault.CodeSchemaInvalid, "case does not match the schema", err)
	}
	var c Case
	if err := json.Unmarshal(raw, &c); err != nil {
		return Case{}, fault.Wrap(fault.CodeSchemaInvalid, "case does not decode", err)
	}
	if c.Expected.ErrorCodes == nil {
		c.Expected.ErrorCodes = []string{}
	}
	if c.Expected.WarningCodes == nil {
		c.Expected.WarningCodes = []string{}
	}
	return c, nil
}

// LoadCase reads and parses one case file.
func LoadCase(path string) (Case, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Case{}, fault.Wrap(fault.CodeSchemaInvalid, "case file unreadable", err)
	}
	return ParseCase(raw)
}
