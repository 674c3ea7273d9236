//go:build property
// +build property

// Package canonicalize_test contains property-based tests for canonical JSON determinism.
package canonicalize_test

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/settld-labs/settld/pkg/canonicalize"
)

// TestCanonicalDeterminism verifies canonical serialization is deterministic.
// Property: Canonical(obj) == Canonical(obj) for any obj
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Canonical serialization is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := canonicalize.Canonical(obj)
			b2, err2 := canonicalize.Canonical(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return bytes.Equal(b1, b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalRoundTrip verifies parsing canonical output recovers the normalized value.
// Property: parse(Canonical(x)) deep-equals Normalize(x)
func TestCanonicalRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Parsing canonical bytes recovers the normalized value", prop.ForAll(
		func(keys []string, nums []int, flag bool) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(nums); i++ {
				if keys[i] == "" {
					continue
				}
				switch i % 4 {
				case 0:
					obj[keys[i]] = nums[i]
				case 1:
					obj[keys[i]] = nil
				case 2:
					obj[keys[i]] = []any{keys[i], nums[i], flag}
				default:
					obj[keys[i]] = map[string]any{"n": nums[i]}
				}
			}

			norm, err := canonicalize.Normalize(obj)
			if err != nil {
				return false
			}
			b, err := canonicalize.Canonical(obj)
			if err != nil {
				return false
			}

			dec := json.NewDecoder(bytes.NewReader(b))
			dec.UseNumber()
			var parsed any
			if err := dec.Decode(&parsed); err != nil {
				return false
			}
			return reflect.DeepEqual(norm, parsed)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestCanonicalIdempotency verifies re-canonicalizing parsed output changes nothing.
// Property: Canonical(parse(Canonical(x))) == Canonical(x)
func TestCanonicalIdempotency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Canonicalization is idempotent", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err := canonicalize.Canonical(obj)
			if err != nil {
				return true
			}

			dec := json.NewDecoder(bytes.NewReader(b1))
			dec.UseNumber()
			var parsed any
			if err := dec.Decode(&parsed); err != nil {
				return false
			}

			b2, err := canonicalize.Canonical(parsed)
			if err != nil {
				return false
			}
			return bytes.Equal(b1, b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestHashShape verifies every computed digest is 64 lowercase hex characters.
func TestHashShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Hashes are 64 lowercase hex characters", prop.ForAll(
		func(key, value string) bool {
			h, err := canonicalize.Hash(map[string]any{key: value})
			if err != nil {
				return false
			}
			return canonicalize.IsDigest(h)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
