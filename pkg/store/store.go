// Package store persists tenant-scoped events, artifacts, auth keys,
// idempotency records, the delivery outbox, and the ops audit trail behind one
// interface. Two drivers exist: an in-memory driver for tests and single-node
// lite mode, and a SQL driver targeting Postgres (lib/pq) and SQLite
// (modernc.org/sqlite) through database/sql.
//
// The store is the sole owner of persisted state. Every value crossing the
// interface is deep-copied so callers can never alias internal storage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a unique constraint would be violated.
var ErrDuplicate = errors.New("store: duplicate")

// AppendTx is the view an append mutator sees inside the per-stream critical
// section. Reads are consistent with the lock or transaction the driver holds.
type AppendTx interface {
	// Snapshot returns the current head of the stream being appended to.
	Snapshot() contracts.StreamSnapshot
	// EventByIdempotencyKey resolves a prior append recorded under key for
	// this (tenant, stream), if any.
	EventByIdempotencyKey(key string) (contracts.Event, bool, error)
}

// AppendDecision is what an append mutator tells the driver to do.
type AppendDecision struct {
	// Event to persist, or to echo when Replay is set.
	Event contracts.Event
	// IdempotencyKey, when non-empty, is recorded with the event so later
	// appends under the same key replay it.
	IdempotencyKey string
	// Replay means Event is a prior append: return it without persisting.
	Replay bool
}

// AppendFunc decides the outcome of one append while the stream is locked.
// Returning an error persists nothing.
type AppendFunc func(tx AppendTx) (AppendDecision, error)

// AckResult finishes one leased outbox entry.
type AckResult struct {
	// State must be one of contracts.OutboxDelivered, contracts.OutboxFailed
	// (retry later), or contracts.OutboxDLQ.
	State string
	// NextAttemptAt schedules the retry when State is failed.
	NextAttemptAt time.Time
	// LastError records the delivery failure, if any.
	LastError string
}

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	Type  string
	Limit int
}

// Store is the persistence interface. All operations are tenant-scoped
// unless the record itself carries its tenant.
type Store interface {
	// AppendEvent runs fn inside the per-stream critical section: a mutex in
	// the memory driver, a transaction holding the stream row in the SQL
	// driver. When fn returns a non-replay decision the driver persists the
	// event, advances the snapshot, and records the idempotency key, all
	// atomically.
	AppendEvent(ctx context.Context, tenantID, streamID string, fn AppendFunc) (contracts.Event, contracts.StreamSnapshot, error)
	// PutEvent inserts an event without append semantics. Imports and
	// fixtures use it; normal writes go through AppendEvent.
	PutEvent(ctx context.Context, tenantID string, e contracts.Event) error
	// ListEvents returns a stream's events in append order. A non-empty
	// sinceEventID makes the listing exclusive of that event; limit 0 means
	// no limit.
	ListEvents(ctx context.Context, tenantID, streamID, sinceEventID string, limit int) ([]contracts.Event, error)
	GetStreamSnapshot(ctx context.Context, tenantID, streamID string) (contracts.StreamSnapshot, error)

	PutArtifact(ctx context.Context, rec contracts.ArtifactRecord) error
	GetArtifact(ctx context.Context, tenantID, artifactType, id string) (contracts.ArtifactRecord, error)
	ListArtifacts(ctx context.Context, tenantID string, filter ArtifactFilter) ([]contracts.ArtifactRecord, error)

	PutAuthKey(ctx context.Context, key contracts.AuthKey) error
	LookupAuthKey(ctx context.Context, keyID string) (contracts.AuthKey, error)

	// PutIdempotency records a completed outcome under (tenantId, key) with a
	// TTL. GetIdempotency never returns expired records.
	PutIdempotency(ctx context.Context, tenantID, key string, outcome []byte, ttl time.Duration) error
	GetIdempotency(ctx context.Context, tenantID, key string) ([]byte, bool, error)
	// SweepIdempotency deletes up to limit expired records, returning how
	// many were removed. The retention worker calls this on a budget.
	SweepIdempotency(ctx context.Context, now time.Time, limit int) (int, error)

	EnqueueOutbox(ctx context.Context, e contracts.OutboxEntry) error
	// LeaseOutbox atomically claims up to n due entries: pending or failed
	// entries whose nextAttemptAt has passed, plus inflight entries whose
	// lease expired. Claimed entries move to inflight with Attempts
	// incremented and LeaseUntil = now + leaseFor.
	LeaseOutbox(ctx context.Context, n int, now time.Time, leaseFor time.Duration) ([]contracts.OutboxEntry, error)
	AckOutbox(ctx context.Context, id string, result AckResult) error

	PutOpsAudit(ctx context.Context, e contracts.OpsAuditEntry) error
	ListOpsAudit(ctx context.Context, tenantID string, limit int) ([]contracts.OpsAuditEntry, error)

	// Now is the store's clock. Drivers expose it so callers and tests share
	// one time source.
	Now() time.Time

	Close() error
}
