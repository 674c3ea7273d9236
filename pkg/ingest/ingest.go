// Package ingest accepts bundle ZIP uploads over the magic-link flow:
// each accepted ZIP gets a deterministic ml_ token derived from the ingest
// secret and the ZIP hash, so re-uploading the same bytes lands on the same
// run and the caller learns it was deduplicated.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/bundle"
	"github.com/settld-labs/settld/pkg/fault"
)

// TokenPattern is the shape of every magic-link token.
var TokenPattern = regexp.MustCompile(`^ml_[0-9a-f]{48}$`)

// Upload modes. ModeAuto lets the service decide: a known ZIP resolves to
// verify, a new one to run.
const (
	ModeAuto   = "auto"
	ModeRun    = "run"
	ModeVerify = "verify"
)

// Result is the response body of an accepted upload.
type Result struct {
	Token        string `json:"token"`
	URL          string `json:"url"`
	ZipSha256    string `json:"zipSha256"`
	ZipBytes     int64  `json:"zipBytes"`
	ModeResolved string `json:"modeResolved"`
	Deduped      bool   `json:"deduped"`
	Rerun        bool   `json:"rerun"`

	// BundleAddress is the content address in the blob store, set only when
	// one is configured.
	BundleAddress string `json:"bundleAddress,omitempty"`
}

// meta is the per-ZIP record kept under <dataDir>/meta.
type meta struct {
	Token      string `json:"token"`
	TenantID   string `json:"tenantId"`
	ZipSha256  string `json:"zipSha256"`
	ZipBytes   int64  `json:"zipBytes"`
	Mode       string `json:"mode"`
	ReceivedAt string `json:"receivedAt"`
	Runs       int    `json:"runs"`
}

// Service stores uploaded bundles on the filesystem driver layout:
// <dataDir>/meta, <dataDir>/runs/<tenant>, <dataDir>/bundles/<tenant>.
type Service struct {
	dataDir   string
	secret    string
	ingestKey string
	baseURL   string
	budget    bundle.Budget
	cas       artifacts.BlobStore
	now       func() time.Time
}

// NewService builds a service rooted at dataDir. secret seeds the token
// derivation and must stay stable across restarts or tokens stop matching
// their bundles.
func NewService(dataDir, secret string) *Service {
	return &Service{
		dataDir: dataDir,
		secret:  secret,
		baseURL: "",
		budget:  bundle.DefaultBudget(),
		now:     time.Now,
	}
}

// WithIngestKey requires authorization: Bearer <key> on uploads.
func (s *Service) WithIngestKey(key string) *Service {
	s.ingestKey = key
	return s
}

// WithBaseURL prefixes the run URL returned to callers.
func (s *Service) WithBaseURL(u string) *Service {
	s.baseURL = u
	return s
}

// WithBlobStore mirrors accepted bundles into a content-addressed store so
// they survive local disk loss.
func (s *Service) WithBlobStore(bs artifacts.BlobStore) *Service {
	s.cas = bs
	return s
}

// WithClock fixes the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Token derives the magic-link token for one (tenant, zipSha256) pair:
// 24 bytes of HKDF-SHA256 keyed by the ingest secret, hex encoded. The same
// bytes always yield the same token, which is what makes dedupe stable.
func (s *Service) Token(tenantID, zipSha256 string) (string, error) {
	r := hkdf.New(sha256.New, []byte(s.secret), nil, []byte("magic-link:"+tenantID+":"+zipSha256))
	buf := make([]byte, 24)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fault.Wrap(fault.CodeSchemaInvalid, "token derivation failed", err)
	}
	return "ml_" + hex.EncodeToString(buf), nil
}

// Accept validates and stores one uploaded ZIP for tenantID. mode is one of
// auto, run, verify; rerun forces a fresh run of a known ZIP.
func (s *Service) Accept(ctx context.Context, tenantID string, zipData []byte, mode string, rerun bool) (Result, error) {
	if tenantID == "" {
		return Result{}, fault.New(fault.CodeSchemaInvalid, "tenant required")
	}
	switch mode {
	case "", ModeAuto:
		mode = ModeAuto
	case ModeRun, ModeVerify:
	default:
		return Result{}, fault.Newf(fault.CodeSchemaInvalid, "unknown mode %q", mode)
	}

	// The safe reader enforces the ZIP budget and rejects unsafe entry
	// paths before anything touches disk.
	if _, err := bundle.OpenReader(zipData, s.budget); err != nil {
		return Result{}, err
	}

	sum := sha256.Sum256(zipData)
	zipSha := hex.EncodeToString(sum[:])
	token, err := s.Token(tenantID, zipSha)
	if err != nil {
		return Result{}, err
	}

	existing, found, err := s.readMeta(zipSha)
	if err != nil {
		return Result{}, err
	}

	resolved := mode
	if mode == ModeAuto {
		if found {
			resolved = ModeVerify
		} else {
			resolved = ModeRun
		}
	}
	if rerun {
		resolved = ModeRun
	}

	if !found {
		if err := s.writeBundle(tenantID, zipSha, zipData); err != nil {
			return Result{}, err
		}
	}
	var addr string
	if s.cas != nil {
		if addr, err = s.cas.Put(ctx, zipData); err != nil {
			return Result{}, fmt.Errorf("ingest: bundle store put: %w", err)
		}
	}
	if resolved == ModeRun {
		if err := s.ensureRunDir(tenantID, token); err != nil {
			return Result{}, err
		}
	}

	m := meta{
		Token:      token,
		TenantID:   tenantID,
		ZipSha256:  zipSha,
		ZipBytes:   int64(len(zipData)),
		Mode:       resolved,
		ReceivedAt: s.now().UTC().Format(time.RFC3339),
		Runs:       1,
	}
	if found {
		m.ReceivedAt = existing.ReceivedAt
		m.Runs = existing.Runs
		if resolved == ModeRun {
			m.Runs++
		}
	}
	if err := s.writeMeta(zipSha, m); err != nil {
		return Result{}, err
	}

	return Result{
		Token:         token,
		URL:           s.baseURL + "/v1/runs/" + token,
		ZipSha256:     zipSha,
		ZipBytes:      int64(len(zipData)),
		ModeResolved:  resolved,
		Deduped:       found,
		Rerun:         found && resolved == ModeRun,
		BundleAddress: addr,
	}, nil
}

// BundlePath returns where a stored ZIP lives on disk.
func (s *Service) BundlePath(tenantID, zipSha256 string) string {
	return filepath.Join(s.dataDir, "bundles", tenantID, zipSha256+".zip")
}

// RunDir returns the per-run working directory for a token.
func (s *Service) RunDir(tenantID, token string) string {
	return filepath.Join(s.dataDir, "runs", tenantID, token)
}

func (s *Service) metaPath(zipSha256 string) string {
	return filepath.Join(s.dataDir, "meta", zipSha256+".json")
}

func (s *Service) writeBundle(tenantID, zipSha256 string, data []byte) error {
	path := s.BundlePath(tenantID, zipSha256)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Service) ensureRunDir(tenantID, token string) error {
	return os.MkdirAll(s.RunDir(tenantID, token), 0o755)
}
