// Package canonicalize provides the deterministic JSON serialization and
// SHA-256 hashing pipeline that underpins every settld artifact.
//
// The byte form is RFC 8785 (JSON Canonicalization Scheme): object keys
// sorted by UTF-8 bytes, no insignificant whitespace, shortest round-trip
// number formatting, minimal string escaping, no HTML escaping. Values are
// normalized first so the same logical value always yields the same bytes
// regardless of the Go type it arrived in.
//
// Normalization preserves explicit nulls. Artifact core structs therefore
// declare every field without omitempty: an absent optional value is an
// explicit null on the wire, never a missing key.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CodeUnsupportedValue identifies values outside the canonical JSON domain
// (functions, channels, complex numbers, NaN, Infinity).
const CodeUnsupportedValue = "CANONICAL_JSON_UNSUPPORTED_VALUE"

// UnsupportedValueError reports a value that cannot be represented in
// canonical JSON.
type UnsupportedValueError struct {
	Reason string
}

func (e *UnsupportedValueError) Error() string {
	return CodeUnsupportedValue + ": " + e.Reason
}

// Normalize returns the generic JSON form of v: map[string]any with plain
// string keys, []any slices, json.Number scalars, bool, string and nil.
// Struct tags are honored via an intermediate json.Marshal, which also
// rejects NaN, Infinity and non-JSON types.
func Normalize(v any) (any, error) {
	intermediate, err := marshalIntermediate(v)
	if err != nil {
		return nil, err
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber() // preserve integers beyond 2^53 and exact decimal forms
	if err := dec.Decode(&generic); err != nil {
		return nil, &UnsupportedValueError{Reason: fmt.Sprintf("intermediate decode failed: %v", err)}
	}
	return generic, nil
}

// Canonical returns the RFC 8785 canonical byte form of v.
func Canonical(v any) ([]byte, error) {
	intermediate, err := marshalIntermediate(v)
	if err != nil {
		return nil, err
	}

	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, &UnsupportedValueError{Reason: fmt.Sprintf("jcs transform failed: %v", err)}
	}
	return out, nil
}

// Hash returns the lowercase-hex SHA-256 digest of the canonical bytes of v.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Raw returns the RFC 8785 canonical form of already-encoded JSON.
func Raw(doc []byte) ([]byte, error) {
	out, err := jcs.Transform(doc)
	if err != nil {
		return nil, &UnsupportedValueError{Reason: fmt.Sprintf("jcs transform failed: %v", err)}
	}
	return out, nil
}

// marshalIntermediate marshals v into standard JSON without HTML escaping,
// mapping encoder failures onto UnsupportedValueError.
func marshalIntermediate(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		var typeErr *json.UnsupportedTypeError
		var valErr *json.UnsupportedValueError
		switch {
		case errors.As(err, &typeErr):
			return nil, &UnsupportedValueError{Reason: fmt.Sprintf("unsupported type %s", typeErr.Type)}
		case errors.As(err, &valErr):
			return nil, &UnsupportedValueError{Reason: fmt.Sprintf("unsupported value %s", valErr.Str)}
		default:
			return nil, &UnsupportedValueError{Reason: err.Error()}
		}
	}
	// json.Encoder appends a newline the transform must not see.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
