package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/store"
)

func newMockSQL(t *testing.T) (*store.SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewSQL(db), mock
}

func TestSQLGetStreamSnapshot(t *testing.T) {
	s, mock := newMockSQL(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT last_chain_hash, last_event_id, event_count").
		WithArgs("t1", "sess_a").
		WillReturnRows(sqlmock.NewRows([]string{"last_chain_hash", "last_event_id", "event_count"}).
			AddRow("c-evt_1", "evt_1", 1))

	snap, err := s.GetStreamSnapshot(ctx, "t1", "sess_a")
	require.NoError(t, err)
	require.NotNil(t, snap.LastChainHash)
	assert.Equal(t, "c-evt_1", *snap.LastChainHash)
	assert.Equal(t, 1, snap.EventCount)

	// An unknown stream scans no rows and reports an empty head.
	mock.ExpectQuery("SELECT last_chain_hash, last_event_id, event_count").
		WithArgs("t1", "sess_new").
		WillReturnRows(sqlmock.NewRows([]string{"last_chain_hash", "last_event_id", "event_count"}))

	snap, err = s.GetStreamSnapshot(ctx, "t1", "sess_new")
	require.NoError(t, err)
	assert.Nil(t, snap.LastChainHash)
	assert.Equal(t, 0, snap.EventCount)
}

func TestSQLAppendEvent(t *testing.T) {
	s, mock := newMockSQL(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_chain_hash, last_event_id, event_count").
		WithArgs("t1", "sess_a").
		WillReturnRows(sqlmock.NewRows([]string{"last_chain_hash", "last_event_id", "event_count"}))
	mock.ExpectExec("INSERT INTO events").
		WithArgs("t1", "sess_a", 1, "evt_1", "c-evt_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO stream_snapshots").
		WithArgs("t1", "sess_a", "c-evt_1", "evt_1", 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO append_idempotency").
		WithArgs("t1", "sess_a", "idem-1", "evt_1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ev, snap, err := s.AppendEvent(ctx, "t1", "sess_a", func(tx store.AppendTx) (store.AppendDecision, error) {
		require.Nil(t, tx.Snapshot().LastChainHash)
		return store.AppendDecision{
			Event:          testEvent("evt_1", "sess_a", nil),
			IdempotencyKey: "idem-1",
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	require.NotNil(t, snap.LastChainHash)
	assert.Equal(t, "c-evt_1", *snap.LastChainHash)
	assert.Equal(t, 1, snap.EventCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAppendEventReplayWritesNothing(t *testing.T) {
	s, mock := newMockSQL(t)
	ctx := context.Background()

	prior := testEvent("evt_1", "sess_a", nil)
	body, err := json.Marshal(prior)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_chain_hash, last_event_id, event_count").
		WithArgs("t1", "sess_a").
		WillReturnRows(sqlmock.NewRows([]string{"last_chain_hash", "last_event_id", "event_count"}).
			AddRow("c-evt_1", "evt_1", 1))
	mock.ExpectQuery("SELECT e.body FROM append_idempotency").
		WithArgs("t1", "sess_a", "idem-1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(string(body)))
	mock.ExpectCommit()

	ev, snap, err := s.AppendEvent(ctx, "t1", "sess_a", func(tx store.AppendTx) (store.AppendDecision, error) {
		replay, ok, err := tx.EventByIdempotencyKey("idem-1")
		require.NoError(t, err)
		require.True(t, ok)
		return store.AppendDecision{Event: replay, Replay: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, 1, snap.EventCount)
	// No INSERTs were expected; replay must not grow the stream.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAppendEventRollsBackOnError(t *testing.T) {
	s, mock := newMockSQL(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT last_chain_hash, last_event_id, event_count").
		WithArgs("t1", "sess_a").
		WillReturnRows(sqlmock.NewRows([]string{"last_chain_hash", "last_event_id", "event_count"}))
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, _, err := s.AppendEvent(context.Background(), "t1", "sess_a", func(tx store.AppendTx) (store.AppendDecision, error) {
		return store.AppendDecision{}, boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLeaseOutboxClaims(t *testing.T) {
	s, mock := newMockSQL(t)
	now := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id FROM outbox").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("obx_1"))
	mock.ExpectExec("UPDATE outbox SET state").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, tenant_id, artifact_type").
		WithArgs("obx_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "artifact_type", "artifact_id", "destination_id", "idem_key",
			"created_at", "attempts", "next_attempt_at", "lease_until", "state", "last_error",
		}).AddRow("obx_1", "t1", "X402SettlementReceipt.v1", "rcpt_1", "dest-1", "obx_1:dest-1",
			now, 1, now, now.Add(30*time.Second), contracts.OutboxInflight, nil))

	claimed, err := s.LeaseOutbox(context.Background(), 5, now, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "obx_1", claimed[0].ID)
	assert.Equal(t, contracts.OutboxInflight, claimed[0].State)
	assert.Equal(t, 1, claimed[0].Attempts)
}

func TestSQLLeaseOutboxLostRace(t *testing.T) {
	s, mock := newMockSQL(t)
	now := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id FROM outbox").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("obx_1"))
	// Another worker claimed the row between the candidate scan and the update.
	mock.ExpectExec("UPDATE outbox SET state").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := s.LeaseOutbox(context.Background(), 5, now, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAckOutbox(t *testing.T) {
	s, mock := newMockSQL(t)

	mock.ExpectExec("UPDATE outbox SET state").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := s.AckOutbox(context.Background(), "obx_1", store.AckResult{State: contracts.OutboxDelivered})
	require.NoError(t, err)

	mock.ExpectExec("UPDATE outbox SET state").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.AckOutbox(context.Background(), "obx_missing", store.AckResult{State: contracts.OutboxDelivered})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLLookupAuthKeyNotFound(t *testing.T) {
	s, mock := newMockSQL(t)

	mock.ExpectQuery("SELECT key_id, tenant_id, secret_hash").
		WithArgs("sk_missing").
		WillReturnRows(sqlmock.NewRows([]string{"key_id", "tenant_id", "secret_hash", "status", "created_at"}))

	_, err := s.LookupAuthKey(context.Background(), "sk_missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLPutArtifactDuplicate(t *testing.T) {
	s, mock := newMockSQL(t)

	mock.ExpectExec("INSERT INTO artifacts").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "artifacts_pkey"`))

	err := s.PutArtifact(context.Background(), contracts.ArtifactRecord{
		TenantID:  "t1",
		Type:      "CloseReport.v1",
		ID:        "close-2026-02",
		Body:      []byte(`{}`),
		CreatedAt: time.Now(),
	})
	require.ErrorIs(t, err, store.ErrDuplicate)
}

func TestSQLSweepIdempotency(t *testing.T) {
	s, mock := newMockSQL(t)
	now := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency")).
		WithArgs(now, 100).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.SweepIdempotency(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
