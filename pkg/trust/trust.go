// Package trust holds the named public keys a verifier accepts as roots.
// Keys are grouped by role and loaded once at boot from env JSON or a trust
// file; refreshes swap the whole snapshot atomically so in-flight requests
// keep the view they started with.
package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
)

// Roles a trust file may populate.
const (
	RoleGovernanceRoots      = "governanceRoots"
	RolePricingSigners       = "pricingSigners"
	RoleTimeAuthorities      = "timeAuthorities"
	RoleBuyerDecisionSigners = "buyerDecisionSigners"
)

// Key statuses. Absent status means active.
const (
	KeyStatusActive  = "active"
	KeyStatusRotated = "rotated"
	KeyStatusRevoked = "revoked"
)

// Environment variables carrying per-role key JSON.
const (
	EnvGovernanceRootKeys = "TRUSTED_GOVERNANCE_ROOT_KEYS_JSON"
	EnvPricingSignerKeys  = "TRUSTED_PRICING_SIGNER_KEYS_JSON"
	EnvTimeAuthorityKeys  = "TRUSTED_TIME_AUTHORITY_KEYS_JSON"
	EnvBuyerKeys          = "TRUSTED_BUYER_KEYS_JSON"
)

// Key is one named public key within a role.
type Key struct {
	Name         string `json:"name"`
	PublicKeyPEM string `json:"publicKeyPem"`
	KeyID        string `json:"keyId,omitempty"`
	Status       string `json:"status,omitempty"`
}

// Active reports whether the key may be used for new verifications.
func (k Key) Active() bool {
	return k.Status == "" || k.Status == KeyStatusActive
}

// Snapshot is an immutable view of all trusted keys, indexed for lookup.
type Snapshot struct {
	roles map[string][]Key
	byID  map[string]map[string]Key // role -> keyId -> key
}

// NewSnapshot builds a Snapshot from role → keys. Missing KeyIDs are derived
// from the PEM; keys without a parsable PEM are rejected.
func NewSnapshot(roles map[string][]Key) (*Snapshot, error) {
	snap := &Snapshot{
		roles: make(map[string][]Key, len(roles)),
		byID:  make(map[string]map[string]Key, len(roles)),
	}
	for role, keys := range roles {
		idx := make(map[string]Key, len(keys))
		out := make([]Key, 0, len(keys))
		for _, k := range keys {
			if strings.TrimSpace(k.PublicKeyPEM) == "" {
				return nil, fmt.Errorf("trust: role %s key %q has empty publicKeyPem", role, k.Name)
			}
			if _, err := crypto.ParsePublicKeyPEM(k.PublicKeyPEM); err != nil {
				return nil, fmt.Errorf("trust: role %s key %q: %w", role, k.Name, err)
			}
			if k.KeyID == "" {
				k.KeyID = crypto.KeyID(k.PublicKeyPEM)
			}
			if _, dup := idx[k.KeyID]; dup {
				return nil, fmt.Errorf("trust: role %s has duplicate keyId %s", role, k.KeyID)
			}
			idx[k.KeyID] = k
			out = append(out, k)
		}
		snap.roles[role] = out
		snap.byID[role] = idx
	}
	return snap, nil
}

// Keys returns the keys registered under role.
func (s *Snapshot) Keys(role string) []Key {
	out := make([]Key, len(s.roles[role]))
	copy(out, s.roles[role])
	return out
}

// Lookup resolves a keyId within a role. An unknown signer fails with
// SIGNER_NOT_TRUSTED; a rotated or revoked key fails with
// SIGNER_KEY_NOT_ACTIVE.
func (s *Snapshot) Lookup(role, keyID string) (Key, error) {
	k, ok := s.byID[role][keyID]
	if !ok {
		return Key{}, fault.Newf(fault.CodeSignerNotTrusted,
			"keyId %s is not a trusted %s", keyID, role).With("keyId", keyID).With("role", role)
	}
	if !k.Active() {
		return Key{}, fault.Newf(fault.CodeSignerKeyNotActive,
			"keyId %s is %s", keyID, k.Status).With("keyId", keyID).With("status", k.Status)
	}
	return k, nil
}

// VerifySignature resolves keyID within role and checks a detached base64
// signature over data. A well-formed signature that does not match returns
// (false, nil); trust failures return the typed fault.
func (s *Snapshot) VerifySignature(role, keyID string, data []byte, signatureBase64 string) (bool, error) {
	k, err := s.Lookup(role, keyID)
	if err != nil {
		return false, err
	}
	return crypto.Verify(data, signatureBase64, k.PublicKeyPEM)
}

// File is the on-disk trust document a standalone verifier consumes.
type File struct {
	GovernanceRoots      []Key `json:"governanceRoots"`
	PricingSigners       []Key `json:"pricingSigners"`
	TimeAuthorities      []Key `json:"timeAuthorities"`
	BuyerDecisionSigners []Key `json:"buyerDecisionSigners"`
}

// Snapshot converts the document into an indexed Snapshot.
func (f *File) Snapshot() (*Snapshot, error) {
	return NewSnapshot(map[string][]Key{
		RoleGovernanceRoots:      f.GovernanceRoots,
		RolePricingSigners:       f.PricingSigners,
		RoleTimeAuthorities:      f.TimeAuthorities,
		RoleBuyerDecisionSigners: f.BuyerDecisionSigners,
	})
}

// LoadFile reads a trust file from disk.
func LoadFile(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("trust: parse %s: %w", path, err)
	}
	return f.Snapshot()
}

// LoadEnv assembles a Snapshot from the TRUSTED_*_KEYS_JSON variables.
// Unset variables yield empty roles; malformed JSON is a boot error.
func LoadEnv(getenv func(string) string) (*Snapshot, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	roles := map[string][]Key{}
	for role, env := range map[string]string{
		RoleGovernanceRoots:      EnvGovernanceRootKeys,
		RolePricingSigners:       EnvPricingSignerKeys,
		RoleTimeAuthorities:      EnvTimeAuthorityKeys,
		RoleBuyerDecisionSigners: EnvBuyerKeys,
	} {
		raw := strings.TrimSpace(getenv(env))
		if raw == "" {
			roles[role] = nil
			continue
		}
		var keys []Key
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return nil, fmt.Errorf("trust: parse %s: %w", env, err)
		}
		roles[role] = keys
	}
	return NewSnapshot(roles)
}

// Store publishes the current Snapshot and swaps it atomically on refresh.
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore seeds a Store with an initial snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

// Current returns the live snapshot. Callers hold it for the duration of one
// request so a concurrent Swap never changes their view.
func (s *Store) Current() *Snapshot { return s.ptr.Load() }

// Swap replaces the live snapshot.
func (s *Store) Swap(next *Snapshot) { s.ptr.Store(next) }
