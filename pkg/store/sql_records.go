package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
)

func (s *SQL) PutArtifact(ctx context.Context, rec contracts.ArtifactRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (tenant_id, artifact_type, id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.TenantID, rec.Type, rec.ID, string(rec.Body), rec.CreatedAt.UTC())
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQL) GetArtifact(ctx context.Context, tenantID, artifactType, id string) (contracts.ArtifactRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body, created_at FROM artifacts
		WHERE tenant_id = $1 AND artifact_type = $2 AND id = $3`,
		tenantID, artifactType, id)

	var body string
	var createdAt time.Time
	if err := row.Scan(&body, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.ArtifactRecord{}, ErrNotFound
		}
		return contracts.ArtifactRecord{}, err
	}
	return contracts.ArtifactRecord{
		TenantID:  tenantID,
		Type:      artifactType,
		ID:        id,
		Body:      []byte(body),
		CreatedAt: createdAt.UTC(),
	}, nil
}

func (s *SQL) ListArtifacts(ctx context.Context, tenantID string, filter ArtifactFilter) ([]contracts.ArtifactRecord, error) {
	query := `
		SELECT artifact_type, id, body, created_at FROM artifacts
		WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.Type != "" {
		query += ` AND artifact_type = $2`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += placeholderLimit(len(args) + 1)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.ArtifactRecord, 0)
	for rows.Next() {
		rec := contracts.ArtifactRecord{TenantID: tenantID}
		var body string
		var createdAt time.Time
		if err := rows.Scan(&rec.Type, &rec.ID, &body, &createdAt); err != nil {
			return nil, err
		}
		rec.Body = []byte(body)
		rec.CreatedAt = createdAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) PutAuthKey(ctx context.Context, key contracts.AuthKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_keys (key_id, tenant_id, secret_hash, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key_id) DO UPDATE SET
			tenant_id = $2, secret_hash = $3, status = $4`,
		key.KeyID, key.TenantID, key.SecretHash, key.Status, key.CreatedAt.UTC())
	return err
}

func (s *SQL) LookupAuthKey(ctx context.Context, keyID string) (contracts.AuthKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, secret_hash, status, created_at
		FROM auth_keys WHERE key_id = $1`, keyID)

	var key contracts.AuthKey
	var createdAt time.Time
	if err := row.Scan(&key.KeyID, &key.TenantID, &key.SecretHash, &key.Status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.AuthKey{}, ErrNotFound
		}
		return contracts.AuthKey{}, err
	}
	key.CreatedAt = createdAt.UTC()
	return key, nil
}

func (s *SQL) PutIdempotency(ctx context.Context, tenantID, key string, outcome []byte, ttl time.Duration) error {
	expires := s.clock().Add(ttl).UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (tenant_id, idem_key, outcome, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, idem_key) DO UPDATE SET
			outcome = $3, expires_at = $4`,
		tenantID, key, string(outcome), expires)
	return err
}

func (s *SQL) GetIdempotency(ctx context.Context, tenantID, key string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT outcome, expires_at FROM idempotency
		WHERE tenant_id = $1 AND idem_key = $2`, tenantID, key)

	var outcome string
	var expires time.Time
	if err := row.Scan(&outcome, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !expires.After(s.clock()) {
		return nil, false, nil
	}
	return []byte(outcome), true, nil
}

func (s *SQL) SweepIdempotency(ctx context.Context, now time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency WHERE (tenant_id, idem_key) IN (
			SELECT tenant_id, idem_key FROM idempotency
			WHERE expires_at <= $1 LIMIT $2)`,
		now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQL) PutOpsAudit(ctx context.Context, entry contracts.OpsAuditEntry) error {
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ops_audit (id, tenant_id, at, actor, action, subject, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.TenantID, entry.At.UTC(), entry.Actor, entry.Action, entry.Subject, details)
	return err
}

func (s *SQL) ListOpsAudit(ctx context.Context, tenantID string, limit int) ([]contracts.OpsAuditEntry, error) {
	query := `
		SELECT id, at, actor, action, subject, details FROM ops_audit
		WHERE tenant_id = $1 ORDER BY at DESC, id DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.OpsAuditEntry, 0)
	for rows.Next() {
		entry := contracts.OpsAuditEntry{TenantID: tenantID}
		var at time.Time
		var details string
		if err := rows.Scan(&entry.ID, &at, &entry.Actor, &entry.Action, &entry.Subject, &details); err != nil {
			return nil, err
		}
		entry.At = at.UTC()
		if err := decodeJSON(details, &entry.Details); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func placeholderLimit(n int) string {
	switch n {
	case 2:
		return ` LIMIT $2`
	case 3:
		return ` LIMIT $3`
	default:
		return ` LIMIT $4`
	}
}
