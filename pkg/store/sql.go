package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
)

// SQL is the relational driver. It targets Postgres and SQLite through
// database/sql with $1 placeholders, which both lib/pq and modernc.org/sqlite
// accept, so one driver serves production and lite mode. Every append runs in
// a single SERIALIZABLE transaction that reads the snapshot and writes the
// event.
type SQL struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQL opens a database by driver name and DSN. The caller links the
// driver: lib/pq registers "postgres", modernc.org/sqlite registers "sqlite".
func OpenSQL(driverName, dsn string) (*SQL, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}
	return NewSQL(db), nil
}

// NewSQL wraps an existing database handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQL) WithClock(clock func() time.Time) *SQL {
	s.clock = clock
	return s
}

// Init creates the schema if it does not exist.
func (s *SQL) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

func (s *SQL) Now() time.Time { return s.clock() }

func (s *SQL) Close() error { return s.db.Close() }

type sqlAppendTx struct {
	ctx      context.Context
	tx       *sql.Tx
	tenantID string
	streamID string
	snap     contracts.StreamSnapshot
}

func (t *sqlAppendTx) Snapshot() contracts.StreamSnapshot {
	return cloneSnapshot(t.snap)
}

func (t *sqlAppendTx) EventByIdempotencyKey(key string) (contracts.Event, bool, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT e.body FROM append_idempotency ai
		JOIN events e ON e.tenant_id = ai.tenant_id
			AND e.stream_id = ai.stream_id AND e.id = ai.event_id
		WHERE ai.tenant_id = $1 AND ai.stream_id = $2 AND ai.idem_key = $3`,
		t.tenantID, t.streamID, key)

	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Event{}, false, nil
		}
		return contracts.Event{}, false, err
	}
	ev, err := decodeEvent([]byte(body))
	if err != nil {
		return contracts.Event{}, false, err
	}
	return ev, true, nil
}

func (s *SQL) AppendEvent(ctx context.Context, tenantID, streamID string, fn AppendFunc) (contracts.Event, contracts.StreamSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return contracts.Event{}, contracts.StreamSnapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	snap, err := readSnapshot(ctx, tx, tenantID, streamID)
	if err != nil {
		return contracts.Event{}, contracts.StreamSnapshot{}, err
	}

	dec, err := fn(&sqlAppendTx{ctx: ctx, tx: tx, tenantID: tenantID, streamID: streamID, snap: snap})
	if err != nil {
		return contracts.Event{}, contracts.StreamSnapshot{}, err
	}
	if dec.Replay {
		if err := tx.Commit(); err != nil {
			return contracts.Event{}, contracts.StreamSnapshot{}, err
		}
		return dec.Event, snap, nil
	}

	ev := dec.Event
	body, err := json.Marshal(ev)
	if err != nil {
		return contracts.Event{}, contracts.StreamSnapshot{}, err
	}
	seq := snap.EventCount + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (tenant_id, stream_id, seq, id, chain_hash, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tenantID, streamID, seq, ev.ID, ev.ChainHash, string(body), s.clock().UTC()); err != nil {
		return contracts.Event{}, contracts.StreamSnapshot{}, err
	}

	next := contracts.StreamSnapshot{
		StreamID:      streamID,
		LastChainHash: &ev.ChainHash,
		LastEventID:   ev.ID,
		EventCount:    seq,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_snapshots (tenant_id, stream_id, last_chain_hash, last_event_id, event_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, stream_id) DO UPDATE SET
			last_chain_hash = $3, last_event_id = $4, event_count = $5`,
		tenantID, streamID, ev.ChainHash, ev.ID, seq); err != nil {
		return contracts.Event{}, contracts.StreamSnapshot{}, err
	}

	if dec.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO append_idempotency (tenant_id, stream_id, idem_key, event_id)
			VALUES ($1, $2, $3, $4)`,
			tenantID, streamID, dec.IdempotencyKey, ev.ID); err != nil {
			return contracts.Event{}, contracts.StreamSnapshot{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return contracts.Event{}, contracts.StreamSnapshot{}, err
	}
	return ev, next, nil
}

func readSnapshot(ctx context.Context, tx *sql.Tx, tenantID, streamID string) (contracts.StreamSnapshot, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT last_chain_hash, last_event_id, event_count
		FROM stream_snapshots WHERE tenant_id = $1 AND stream_id = $2`,
		tenantID, streamID)

	var last sql.NullString
	var lastEventID string
	var count int
	if err := row.Scan(&last, &lastEventID, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.StreamSnapshot{StreamID: streamID}, nil
		}
		return contracts.StreamSnapshot{}, err
	}
	snap := contracts.StreamSnapshot{StreamID: streamID, LastEventID: lastEventID, EventCount: count}
	if last.Valid {
		snap.LastChainHash = &last.String
	}
	return snap, nil
}

func (s *SQL) PutEvent(ctx context.Context, tenantID string, e contracts.Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	snap, err := readSnapshot(ctx, tx, tenantID, e.StreamID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	seq := snap.EventCount + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (tenant_id, stream_id, seq, id, chain_hash, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tenantID, e.StreamID, seq, e.ID, e.ChainHash, string(body), s.clock().UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_snapshots (tenant_id, stream_id, last_chain_hash, last_event_id, event_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, stream_id) DO UPDATE SET
			last_chain_hash = $3, last_event_id = $4, event_count = $5`,
		tenantID, e.StreamID, e.ChainHash, e.ID, seq); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) ListEvents(ctx context.Context, tenantID, streamID, sinceEventID string, limit int) ([]contracts.Event, error) {
	query := `
		SELECT body FROM events
		WHERE tenant_id = $1 AND stream_id = $2
		AND seq > COALESCE((SELECT seq FROM events
			WHERE tenant_id = $1 AND stream_id = $2 AND id = $3), 0)
		ORDER BY seq ASC`
	args := []any{tenantID, streamID, sinceEventID}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.Event, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		ev, err := decodeEvent([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("corrupt event body in stream %s: %w", streamID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQL) GetStreamSnapshot(ctx context.Context, tenantID, streamID string) (contracts.StreamSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_chain_hash, last_event_id, event_count
		FROM stream_snapshots WHERE tenant_id = $1 AND stream_id = $2`,
		tenantID, streamID)

	var last sql.NullString
	var lastEventID string
	var count int
	if err := row.Scan(&last, &lastEventID, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.StreamSnapshot{StreamID: streamID}, nil
		}
		return contracts.StreamSnapshot{}, err
	}
	snap := contracts.StreamSnapshot{StreamID: streamID, LastEventID: lastEventID, EventCount: count}
	if last.Valid {
		snap.LastChainHash = &last.String
	}
	return snap, nil
}

// decodeEvent parses a stored event body keeping numbers as json.Number so
// rehashing listed events reproduces the original digests.
func decodeEvent(body []byte) (contracts.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var ev contracts.Event
	if err := dec.Decode(&ev); err != nil {
		return contracts.Event{}, err
	}
	return ev, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	return dec.Decode(v)
}

// isUniqueViolation matches duplicate-key failures across lib/pq and
// modernc.org/sqlite without importing either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "unique constraint")
}
