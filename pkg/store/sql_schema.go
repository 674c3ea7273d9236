package store

const sqlSchema = `
CREATE TABLE IF NOT EXISTS events (
	tenant_id TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	id TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, stream_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS events_by_id ON events (tenant_id, stream_id, id);

CREATE TABLE IF NOT EXISTS stream_snapshots (
	tenant_id TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	last_chain_hash TEXT,
	last_event_id TEXT NOT NULL,
	event_count INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, stream_id)
);

CREATE TABLE IF NOT EXISTS append_idempotency (
	tenant_id TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (tenant_id, stream_id, idem_key)
);

CREATE TABLE IF NOT EXISTS artifacts (
	tenant_id TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	id TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, artifact_type, id)
);

CREATE TABLE IF NOT EXISTS auth_keys (
	key_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	secret_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency (
	tenant_id TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	outcome TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, idem_key)
);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	destination_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	attempts INTEGER NOT NULL,
	next_attempt_at TIMESTAMP NOT NULL,
	lease_until TIMESTAMP,
	state TEXT NOT NULL,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS outbox_due ON outbox (state, next_attempt_at);

CREATE TABLE IF NOT EXISTS ops_audit (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	subject TEXT NOT NULL,
	details TEXT
);

CREATE INDEX IF NOT EXISTS ops_audit_by_tenant ON ops_audit (tenant_id, at);
`
