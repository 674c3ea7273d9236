package artifacts

import (
	"context"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/fault"
)

// maxDocBytes caps one stored document.
const maxDocBytes = 10 << 20

// Registry stores sealed artifact documents in canonical form. Canonical
// bytes in means the blob address doubles as the document's identity: two
// semantically equal documents always land on the same address.
type Registry struct {
	blobs BlobStore
}

// NewRegistry wraps a blob store.
func NewRegistry(blobs BlobStore) *Registry {
	return &Registry{blobs: blobs}
}

// Put canonicalizes and stores one JSON document, returning its address.
func (r *Registry) Put(ctx context.Context, doc []byte) (string, error) {
	if len(doc) == 0 {
		return "", fault.New(fault.CodeSchemaInvalid, "empty document")
	}
	if len(doc) > maxDocBytes {
		return "", fault.Newf(fault.CodeSchemaInvalid, "document exceeds %d bytes", maxDocBytes)
	}
	canonical, err := canonicalize.Raw(doc)
	if err != nil {
		return "", err
	}
	return r.blobs.Put(ctx, canonical)
}

// Get fetches a document and rechecks it against its address. A backend
// returning the wrong bytes surfaces as ARTIFACT_HASH_MISMATCH, never as a
// silently wrong document.
func (r *Registry) Get(ctx context.Context, addr string) ([]byte, error) {
	data, err := r.blobs.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if got := Address(data); got != addr {
		return nil, fault.Newf(fault.CodeArtifactHashMismatch,
			"blob %s hashes to %s", addr, got).
			With("address", addr).With("actual", got)
	}
	return data, nil
}

// Exists reports whether the address is stored.
func (r *Registry) Exists(ctx context.Context, addr string) (bool, error) {
	return r.blobs.Exists(ctx, addr)
}
