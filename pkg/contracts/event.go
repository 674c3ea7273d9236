// Package contracts defines the wire-level objects shared across components:
// chained events, stream snapshots, outbox rows, and the persisted records the
// store owns. Field names follow the wire contract (camelCase); timestamps
// that participate in hashing stay strings so recomputation is byte-exact.
package contracts

import "time"

// TimeFormat is RFC 3339 UTC with millisecond precision, the form every
// emitted timestamp string takes. Hashed timestamps stay strings so verifiers
// rehash the exact bytes.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Actor identifies who appended an event.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one link in a per-stream hash chain.
//
// payloadHash covers canonical({v,id,at,streamId,type,actor,payload});
// chainHash covers canonical({v,prevChainHash,payloadHash}). prevChainHash is
// null for the genesis event. If signature is present it verifies over the
// canonical event without the signature field.
type Event struct {
	V             int     `json:"v"`
	ID            string  `json:"id"`
	StreamID      string  `json:"streamId"`
	Type          string  `json:"type"`
	At            string  `json:"at"` // RFC 3339 UTC, preserved verbatim
	Actor         Actor   `json:"actor"`
	Payload       any     `json:"payload"`
	PrevChainHash *string `json:"prevChainHash"`
	PayloadHash   string  `json:"payloadHash"`
	ChainHash     string  `json:"chainHash"`
	SignerKeyID   string  `json:"signerKeyId,omitempty"`
	Signature     string  `json:"signature,omitempty"`
}

// StreamSnapshot records the head of a stream after the latest append.
type StreamSnapshot struct {
	StreamID      string  `json:"streamId"`
	LastChainHash *string `json:"lastChainHash"`
	LastEventID   string  `json:"lastEventId"`
	EventCount    int     `json:"eventCount"`
}

// ArtifactRecord is a persisted artifact envelope. Body holds the full
// serialized wrapper; the store never reinterprets it.
type ArtifactRecord struct {
	TenantID  string    `json:"tenantId"`
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthKey authenticates API callers for one tenant. Only the SHA-256 hex of
// the presented secret is stored.
type AuthKey struct {
	KeyID      string    `json:"keyId"`
	TenantID   string    `json:"tenantId"`
	SecretHash string    `json:"secretHash"`
	Status     string    `json:"status"` // active | revoked
	CreatedAt  time.Time `json:"createdAt"`
}

// AuthKey statuses.
const (
	AuthKeyActive  = "active"
	AuthKeyRevoked = "revoked"
)

// IdempotencyRecord captures a completed outcome for (tenantId, key) until
// ExpiresAt, after which the retention sweep removes it.
type IdempotencyRecord struct {
	TenantID  string    `json:"tenantId"`
	Key       string    `json:"key"`
	Outcome   []byte    `json:"outcome"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// OpsAuditEntry records one administrative mutation.
type OpsAuditEntry struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenantId"`
	At       time.Time      `json:"at"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Subject  string         `json:"subject"`
	Details  map[string]any `json:"details,omitempty"`
}
