// Package artifacts is the content-addressed blob layer under the artifact
// store: sealed documents and bundle ZIPs are stored by their SHA-256 and
// retrieved by the same address, so a fetched blob can always be rechecked
// against its name. Drivers exist for the local filesystem, S3, and GCS.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/settld-labs/settld/pkg/fault"
)

// BlobStore is one content-addressed backend. Put is idempotent: storing
// the same bytes twice returns the same address and writes at most once.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Exists(ctx context.Context, addr string) (bool, error)
	Delete(ctx context.Context, addr string) error
}

// Address returns the content address of data: "sha256:" + lowercase hex.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseAddress validates addr and returns the bare hex digest.
func parseAddress(addr string) (string, error) {
	digest, ok := strings.CutPrefix(addr, "sha256:")
	if !ok || len(digest) != 64 {
		return "", fault.Newf(fault.CodeSchemaInvalid, "malformed blob address %q", addr)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fault.Wrap(fault.CodeSchemaInvalid, "malformed blob address", err)
	}
	return digest, nil
}

// FileStore keeps blobs as <dir>/<digest>.blob.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.dir, digest+".blob")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	addr := Address(data)
	digest := strings.TrimPrefix(addr, "sha256:")
	path := s.path(digest)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}
	// Write-then-rename keeps a crashed writer from leaving a torn blob
	// under the final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return addr, nil
}

func (s *FileStore) Get(_ context.Context, addr string) ([]byte, error) {
	digest, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, addr string) (bool, error) {
	digest, err := parseAddress(addr)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(s.path(digest)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, addr string) error {
	digest, err := parseAddress(addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(digest)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
