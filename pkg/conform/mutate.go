package conform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/settld-labs/settld/pkg/bundle"
	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/fault"
)

// ApplyMutations rewrites a bundle with the case's mutations applied. The
// mutated archive keeps the deterministic writer layout so only the targeted
// bytes differ from the original.
func ApplyMutations(data []byte, muts []Mutation) ([]byte, error) {
	r, err := bundle.OpenReader(data, bundle.DefaultBudget())
	if err != nil {
		return nil, err
	}
	files, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	for i, m := range muts {
		if err := applyMutation(files, m); err != nil {
			return nil, fault.Wrap(fault.CodeSchemaInvalid,
				fmt.Sprintf("mutation %d (%s %s) failed", i, m.Op, m.Path), err)
		}
	}
	w := bundle.NewWriter()
	for _, path := range r.Paths() {
		if _, still := files[path]; !still {
			continue
		}
		if err := w.Add(path, files[path]); err != nil {
			return nil, err
		}
	}
	return w.Bytes()
}

func applyMutation(files map[string][]byte, m Mutation) error {
	switch m.Op {
	case OpSet, OpRemove:
		entry, pointer, ok := strings.Cut(m.Path, "#")
		if !ok {
			return fault.New(fault.CodeSchemaInvalid, "path needs \"<entry>#<json pointer>\"")
		}
		raw, exists := files[entry]
		if !exists {
			return fault.Newf(fault.CodeSchemaInvalid, "entry %q not in bundle", entry)
		}
		mutated, err := applyPointer(raw, pointer, m)
		if err != nil {
			return err
		}
		files[entry] = mutated
		return nil
	case OpFlipByte:
		raw, exists := files[m.Path]
		if !exists {
			return fault.Newf(fault.CodeSchemaInvalid, "entry %q not in bundle", m.Path)
		}
		if m.Offset == nil || *m.Offset >= len(raw) {
			return fault.New(fault.CodeSchemaInvalid, "offset out of range")
		}
		out := append([]byte(nil), raw...)
		out[*m.Offset] ^= 0xFF
		files[m.Path] = out
		return nil
	case OpTruncate:
		raw, exists := files[m.Path]
		if !exists {
			return fault.Newf(fault.CodeSchemaInvalid, "entry %q not in bundle", m.Path)
		}
		if m.Offset == nil || *m.Offset > len(raw) {
			return fault.New(fault.CodeSchemaInvalid, "offset out of range")
		}
		files[m.Path] = append([]byte(nil), raw[:*m.Offset]...)
		return nil
	default:
		return fault.Newf(fault.CodeSchemaInvalid, "unknown mutation op %q", m.Op)
	}
}

// applyPointer applies a set or remove at a JSON pointer (RFC 6901) inside
// an entry's JSON document and re-serializes canonically.
func applyPointer(raw []byte, pointer string, m Mutation) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Wrap(fault.CodeSchemaInvalid, "entry is not JSON", err)
	}
	tokens, err := pointerTokens(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		if m.Op == OpRemove {
			return nil, fault.New(fault.CodeSchemaInvalid, "cannot remove the document root")
		}
		var v any
		if err := json.Unmarshal(m.Value, &v); err != nil {
			return nil, fault.Wrap(fault.CodeSchemaInvalid, "mutation value is not JSON", err)
		}
		doc = v
	} else if err := mutateAt(doc, tokens, m); err != nil {
		return nil, err
	}
	return canonicalize.Canonical(doc)
}

func pointerTokens(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fault.Newf(fault.CodeSchemaInvalid, "json pointer %q must start with /", pointer)
	}
	parts := strings.Split(pointer[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts, nil
}

// mutateAt walks to the parent of the pointer target and applies the op.
// Containers come from json.Unmarshal, so maps and slices are addressable in
// place except for the final slice-element write, handled via the parent.
func mutateAt(doc any, tokens []string, m Mutation) error {
	parent := doc
	for _, tok := range tokens[:len(tokens)-1] {
		next, err := step(parent, tok)
		if err != nil {
			return err
		}
		parent = next
	}
	last := tokens[len(tokens)-1]

	switch c := parent.(type) {
	case map[string]any:
		if m.Op == OpRemove {
			if _, ok := c[last]; !ok {
				return fault.Newf(fault.CodeSchemaInvalid, "pointer key %q not found", last)
			}
			delete(c, last)
			return nil
		}
		var v any
		if err := json.Unmarshal(m.Value, &v); err != nil {
			return fault.Wrap(fault.CodeSchemaInvalid, "mutation value is not JSON", err)
		}
		c[last] = v
		return nil
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(c) {
			return fault.Newf(fault.CodeSchemaInvalid, "pointer index %q out of range", last)
		}
		if m.Op == OpRemove {
			return fault.New(fault.CodeSchemaInvalid, "remove inside arrays is not supported")
		}
		var v any
		if err := json.Unmarshal(m.Value, &v); err != nil {
			return fault.Wrap(fault.CodeSchemaInvalid, "mutation value is not JSON", err)
		}
		c[idx] = v
		return nil
	default:
		return fault.New(fault.CodeSchemaInvalid, "pointer parent is not a container")
	}
}

func step(node any, tok string) (any, error) {
	switch c := node.(type) {
	case map[string]any:
		next, ok := c[tok]
		if !ok {
			return nil, fault.Newf(fault.CodeSchemaInvalid, "pointer key %q not found", tok)
		}
		return next, nil
	case []any:
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, fault.Newf(fault.CodeSchemaInvalid, "pointer index %q out of range", tok)
		}
		return c[idx], nil
	default:
		return nil, fault.New(fault.CodeSchemaInvalid, "pointer walks through a non-container")
	}
}
