package canonicalize_test

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/canonicalize"
)

// TestCanonical_KeyOrdering verifies object keys are emitted in byte order
// regardless of the order they were inserted.
func TestCanonical_KeyOrdering(t *testing.T) {
	b, err := canonicalize.Canonical(map[string]any{
		"zeta":  1,
		"alpha": 2,
		"Mid":   3,
	})
	require.NoError(t, err)
	// Uppercase sorts before lowercase in byte order.
	assert.Equal(t, `{"Mid":3,"alpha":2,"zeta":1}`, string(b))
}

func TestCanonical_NestedAndNull(t *testing.T) {
	b, err := canonicalize.Canonical(map[string]any{
		"outer": map[string]any{
			"b":     nil,
			"a":     []any{1, "two", nil},
			"empty": map[string]any{},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"a":[1,"two",null],"b":null,"empty":{}}}`, string(b))
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	b, err := canonicalize.Canonical(map[string]any{"url": "https://x?a=1&b=<2>"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"https://x?a=1&b=<2>"}`, string(b))
}

func TestCanonical_StructTagsHonored(t *testing.T) {
	type inner struct {
		StreamID string `json:"streamId"`
		Payload  any    `json:"payload"`
	}
	b, err := canonicalize.Canonical(inner{StreamID: "sess_1", Payload: nil})
	require.NoError(t, err)
	assert.Equal(t, `{"payload":null,"streamId":"sess_1"}`, string(b))
}

func TestCanonical_Numbers(t *testing.T) {
	cases := map[string]struct {
		in   any
		want string
	}{
		"integer":       {int64(42), "42"},
		"large integer": {json.Number("9007199254740993"), "9007199254740993"},
		"float":         {1.5, "1.5"},
		"whole float":   {float64(10), "10"},
		"negative":      {-3, "-3"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := canonicalize.Canonical(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(b))
		})
	}
}

func TestCanonical_RejectsNaNAndInfinity(t *testing.T) {
	for name, v := range map[string]any{
		"nan":      math.NaN(),
		"plus inf": math.Inf(1),
		"neg inf":  math.Inf(-1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := canonicalize.Canonical(map[string]any{"x": v})
			require.Error(t, err)
			var uv *canonicalize.UnsupportedValueError
			require.ErrorAs(t, err, &uv)
			assert.Contains(t, err.Error(), canonicalize.CodeUnsupportedValue)
		})
	}
}

func TestCanonical_RejectsNonJSONTypes(t *testing.T) {
	_, err := canonicalize.Canonical(map[string]any{"f": func() {}})
	var uv *canonicalize.UnsupportedValueError
	require.ErrorAs(t, err, &uv)
}

func TestHash_StableAcrossEquivalentInputs(t *testing.T) {
	h1, err := canonicalize.Hash(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := canonicalize.Hash(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, canonicalize.IsDigest(h1))
}

func TestHashBytes(t *testing.T) {
	// sha256("") is a fixed vector.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		canonicalize.HashBytes(nil))
}

// TestNormalize_RoundTrip verifies parse(canonical(x)) deep-equals normalize(x).
func TestNormalize_RoundTrip(t *testing.T) {
	src := map[string]any{
		"id":     "evt_123",
		"n":      json.Number("101"),
		"nested": []any{map[string]any{"k": nil}, "s", false},
	}
	norm, err := canonicalize.Normalize(src)
	require.NoError(t, err)

	b, err := canonicalize.Canonical(src)
	require.NoError(t, err)

	var parsed any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&parsed))

	assert.Equal(t, norm, parsed)
}
