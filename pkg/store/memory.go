package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
)

// Memory is the in-process driver: maps guarded by one mutex. It backs tests
// and single-node lite mode. A single lock serializes appends, which trivially
// satisfies the per-stream ordering contract.
type Memory struct {
	mu    sync.Mutex
	clock func() time.Time

	events     map[string][]contracts.Event
	snapshots  map[string]contracts.StreamSnapshot
	appendIdem map[string]contracts.Event

	artifacts     map[string]contracts.ArtifactRecord
	artifactOrder map[string][]string

	authKeys map[string]contracts.AuthKey
	idem     map[string]contracts.IdempotencyRecord
	outbox   map[string]contracts.OutboxEntry
	audits   map[string][]contracts.OpsAuditEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		clock:         time.Now,
		events:        make(map[string][]contracts.Event),
		snapshots:     make(map[string]contracts.StreamSnapshot),
		appendIdem:    make(map[string]contracts.Event),
		artifacts:     make(map[string]contracts.ArtifactRecord),
		artifactOrder: make(map[string][]string),
		authKeys:      make(map[string]contracts.AuthKey),
		idem:          make(map[string]contracts.IdempotencyRecord),
		outbox:        make(map[string]contracts.OutboxEntry),
		audits:        make(map[string][]contracts.OpsAuditEntry),
	}
}

// WithClock overrides the clock for testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Now() time.Time { return m.clock() }

func (m *Memory) Close() error { return nil }

// key joins id parts with a byte outside the identifier charset.
func key(parts ...string) string { return strings.Join(parts, "\x00") }

type memAppendTx struct {
	m        *Memory
	tenantID string
	streamID string
	snap     contracts.StreamSnapshot
}

func (tx *memAppendTx) Snapshot() contracts.StreamSnapshot {
	return cloneSnapshot(tx.snap)
}

func (tx *memAppendTx) EventByIdempotencyKey(k string) (contracts.Event, bool, error) {
	prior, ok := tx.m.appendIdem[key(tx.tenantID, tx.streamID, k)]
	if !ok {
		return contracts.Event{}, false, nil
	}
	return cloneEvent(prior), true, nil
}

func (m *Memory) AppendEvent(ctx context.Context, tenantID, streamID string, fn AppendFunc) (contracts.Event, contracts.StreamSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return contracts.Event{}, contracts.StreamSnapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sk := key(tenantID, streamID)
	snap, ok := m.snapshots[sk]
	if !ok {
		snap = contracts.StreamSnapshot{StreamID: streamID}
	}

	dec, err := fn(&memAppendTx{m: m, tenantID: tenantID, streamID: streamID, snap: snap})
	if err != nil {
		return contracts.Event{}, contracts.StreamSnapshot{}, err
	}
	if dec.Replay {
		return cloneEvent(dec.Event), cloneSnapshot(snap), nil
	}

	ev := cloneEvent(dec.Event)
	m.events[sk] = append(m.events[sk], ev)

	head := ev.ChainHash
	snap = contracts.StreamSnapshot{
		StreamID:      streamID,
		LastChainHash: &head,
		LastEventID:   ev.ID,
		EventCount:    snap.EventCount + 1,
	}
	m.snapshots[sk] = snap

	if dec.IdempotencyKey != "" {
		m.appendIdem[key(tenantID, streamID, dec.IdempotencyKey)] = cloneEvent(ev)
	}
	return cloneEvent(ev), cloneSnapshot(snap), nil
}

// PutEvent inserts without chain checks but keeps the snapshot consistent so
// imported streams still read back with a correct head.
func (m *Memory) PutEvent(ctx context.Context, tenantID string, e contracts.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sk := key(tenantID, e.StreamID)
	ev := cloneEvent(e)
	m.events[sk] = append(m.events[sk], ev)

	snap := m.snapshots[sk]
	head := ev.ChainHash
	m.snapshots[sk] = contracts.StreamSnapshot{
		StreamID:      e.StreamID,
		LastChainHash: &head,
		LastEventID:   ev.ID,
		EventCount:    snap.EventCount + 1,
	}
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, tenantID, streamID, sinceEventID string, limit int) ([]contracts.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.events[key(tenantID, streamID)]
	start := 0
	if sinceEventID != "" {
		start = len(all) // unknown id yields nothing
		for i, e := range all {
			if e.ID == sinceEventID {
				start = i + 1
				break
			}
		}
	}
	out := make([]contracts.Event, 0, len(all)-start)
	for _, e := range all[start:] {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

func (m *Memory) GetStreamSnapshot(ctx context.Context, tenantID, streamID string) (contracts.StreamSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return contracts.StreamSnapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[key(tenantID, streamID)]
	if !ok {
		return contracts.StreamSnapshot{StreamID: streamID}, nil
	}
	return cloneSnapshot(snap), nil
}

func (m *Memory) PutArtifact(ctx context.Context, rec contracts.ArtifactRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ak := key(rec.TenantID, rec.Type, rec.ID)
	if _, exists := m.artifacts[ak]; exists {
		return ErrDuplicate
	}
	m.artifacts[ak] = cloneArtifact(rec)
	m.artifactOrder[rec.TenantID] = append(m.artifactOrder[rec.TenantID], ak)
	return nil
}

func (m *Memory) GetArtifact(ctx context.Context, tenantID, artifactType, id string) (contracts.ArtifactRecord, error) {
	if err := ctx.Err(); err != nil {
		return contracts.ArtifactRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.artifacts[key(tenantID, artifactType, id)]
	if !ok {
		return contracts.ArtifactRecord{}, ErrNotFound
	}
	return cloneArtifact(rec), nil
}

func (m *Memory) ListArtifacts(ctx context.Context, tenantID string, filter ArtifactFilter) ([]contracts.ArtifactRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []contracts.ArtifactRecord
	for _, ak := range m.artifactOrder[tenantID] {
		rec := m.artifacts[ak]
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
		out = append(out, cloneArtifact(rec))
	}
	return out, nil
}

func (m *Memory) PutAuthKey(ctx context.Context, k contracts.AuthKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authKeys[k.KeyID] = k
	return nil
}

func (m *Memory) LookupAuthKey(ctx context.Context, keyID string) (contracts.AuthKey, error) {
	if err := ctx.Err(); err != nil {
		return contracts.AuthKey{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.authKeys[keyID]
	if !ok {
		return contracts.AuthKey{}, ErrNotFound
	}
	return k, nil
}

func (m *Memory) PutIdempotency(ctx context.Context, tenantID, k string, outcome []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.idem[key(tenantID, k)] = contracts.IdempotencyRecord{
		TenantID:  tenantID,
		Key:       k,
		Outcome:   bytes.Clone(outcome),
		ExpiresAt: m.clock().Add(ttl),
	}
	return nil
}

func (m *Memory) GetIdempotency(ctx context.Context, tenantID, k string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idem[key(tenantID, k)]
	if !ok || m.clock().After(rec.ExpiresAt) {
		return nil, false, nil
	}
	return bytes.Clone(rec.Outcome), true, nil
}

func (m *Memory) SweepIdempotency(ctx context.Context, now time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, rec := range m.idem {
		if limit > 0 && removed == limit {
			break
		}
		if now.After(rec.ExpiresAt) {
			delete(m.idem, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) EnqueueOutbox(ctx context.Context, e contracts.OutboxEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.outbox[e.ID]; exists {
		return ErrDuplicate
	}
	m.outbox[e.ID] = e
	return nil
}

// OutboxEntry returns one queued entry by id for inspection.
func (m *Memory) OutboxEntry(id string) (contracts.OutboxEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	return e, ok
}

func (m *Memory) LeaseOutbox(ctx context.Context, n int, now time.Time, leaseFor time.Duration) ([]contracts.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []contracts.OutboxEntry
	for _, e := range m.outbox {
		switch e.State {
		case contracts.OutboxPending, contracts.OutboxFailed:
			if !e.NextAttemptAt.After(now) {
				due = append(due, e)
			}
		case contracts.OutboxInflight:
			// Expired leases become re-leasable.
			if !e.LeaseUntil.After(now) {
				due = append(due, e)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if n > 0 && len(due) > n {
		due = due[:n]
	}

	out := make([]contracts.OutboxEntry, 0, len(due))
	for _, e := range due {
		e.State = contracts.OutboxInflight
		e.Attempts++
		e.LeaseUntil = now.Add(leaseFor)
		m.outbox[e.ID] = e
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) AckOutbox(ctx context.Context, id string, result AckResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[id]
	if !ok {
		return ErrNotFound
	}
	e.State = result.State
	e.LastError = result.LastError
	e.LeaseUntil = time.Time{}
	if result.State == contracts.OutboxFailed {
		e.NextAttemptAt = result.NextAttemptAt
	}
	m.outbox[id] = e
	return nil
}

func (m *Memory) PutOpsAudit(ctx context.Context, e contracts.OpsAuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits[e.TenantID] = append(m.audits[e.TenantID], cloneAudit(e))
	return nil
}

func (m *Memory) ListOpsAudit(ctx context.Context, tenantID string, limit int) ([]contracts.OpsAuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.audits[tenantID]
	out := make([]contracts.OpsAuditEntry, 0, len(all))
	// Newest first.
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneAudit(all[i]))
	}
	return out, nil
}

func cloneEvent(e contracts.Event) contracts.Event {
	out := e
	if e.PrevChainHash != nil {
		h := *e.PrevChainHash
		out.PrevChainHash = &h
	}
	out.Payload = cloneJSONValue(e.Payload)
	return out
}

func cloneSnapshot(s contracts.StreamSnapshot) contracts.StreamSnapshot {
	out := s
	if s.LastChainHash != nil {
		h := *s.LastChainHash
		out.LastChainHash = &h
	}
	return out
}

func cloneArtifact(r contracts.ArtifactRecord) contracts.ArtifactRecord {
	out := r
	out.Body = bytes.Clone(r.Body)
	return out
}

func cloneAudit(e contracts.OpsAuditEntry) contracts.OpsAuditEntry {
	out := e
	if e.Details != nil {
		out.Details, _ = cloneJSONValue(e.Details).(map[string]any)
	}
	return out
}

// cloneJSONValue deep-copies arbitrary JSON through a decode round trip.
// Numbers stay json.Number so canonical hashes are unchanged by storage.
func cloneJSONValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}
