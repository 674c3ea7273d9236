package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
)

func (s *SQL) EnqueueOutbox(ctx context.Context, entry contracts.OutboxEntry) error {
	var lastErr sql.NullString
	if entry.LastError != "" {
		lastErr = sql.NullString{String: entry.LastError, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, tenant_id, artifact_type, artifact_id, destination_id,
			idem_key, created_at, attempts, next_attempt_at, lease_until, state, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10, $11)`,
		entry.ID, entry.TenantID, entry.ArtifactType, entry.ArtifactID, entry.DestinationID,
		entry.IdempotencyKey, entry.CreatedAt.UTC(), entry.Attempts, entry.NextAttemptAt.UTC(),
		entry.State, lastErr)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// LeaseOutbox claims up to n due entries. A candidate is due when it is
// pending or failed with next_attempt_at reached, or inflight with an expired
// lease. Claims use a conditional UPDATE so two workers never hold the same
// entry; a lost race just skips the row.
func (s *SQL) LeaseOutbox(ctx context.Context, n int, now time.Time, leaseFor time.Duration) ([]contracts.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM outbox
		WHERE (state IN ($1, $2) AND next_attempt_at <= $3)
			OR (state = $4 AND lease_until IS NOT NULL AND lease_until <= $3)
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT $5`,
		contracts.OutboxPending, contracts.OutboxFailed, now.UTC(),
		contracts.OutboxInflight, n)
	if err != nil {
		return nil, err
	}
	candidates := make([]string, 0, n)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leaseUntil := now.Add(leaseFor).UTC()
	claimed := make([]contracts.OutboxEntry, 0, len(candidates))
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE outbox SET state = $1, attempts = attempts + 1, lease_until = $2
			WHERE id = $3
				AND ((state IN ($4, $5) AND next_attempt_at <= $6)
					OR (state = $1 AND lease_until IS NOT NULL AND lease_until <= $6))`,
			contracts.OutboxInflight, leaseUntil, id,
			contracts.OutboxPending, contracts.OutboxFailed, now.UTC())
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			continue
		}
		entry, err := s.getOutbox(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

func (s *SQL) AckOutbox(ctx context.Context, id string, result AckResult) error {
	var lastErr sql.NullString
	if result.LastError != "" {
		lastErr = sql.NullString{String: result.LastError, Valid: true}
	}
	var nextAttempt time.Time
	if !result.NextAttemptAt.IsZero() {
		nextAttempt = result.NextAttemptAt.UTC()
	} else {
		nextAttempt = s.clock().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET state = $1, next_attempt_at = $2, lease_until = NULL, last_error = $3
		WHERE id = $4`,
		result.State, nextAttempt, lastErr, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) getOutbox(ctx context.Context, id string) (contracts.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, artifact_type, artifact_id, destination_id, idem_key,
			created_at, attempts, next_attempt_at, lease_until, state, last_error
		FROM outbox WHERE id = $1`, id)

	var entry contracts.OutboxEntry
	var createdAt, nextAttemptAt time.Time
	var leaseUntil sql.NullTime
	var lastErr sql.NullString
	err := row.Scan(&entry.ID, &entry.TenantID, &entry.ArtifactType, &entry.ArtifactID,
		&entry.DestinationID, &entry.IdempotencyKey, &createdAt, &entry.Attempts,
		&nextAttemptAt, &leaseUntil, &entry.State, &lastErr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.OutboxEntry{}, ErrNotFound
		}
		return contracts.OutboxEntry{}, err
	}
	entry.CreatedAt = createdAt.UTC()
	entry.NextAttemptAt = nextAttemptAt.UTC()
	if leaseUntil.Valid {
		entry.LeaseUntil = leaseUntil.Time.UTC()
	}
	if lastErr.Valid {
		entry.LastError = lastErr.String
	}
	return entry, nil
}
