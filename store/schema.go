package store

// schema is applied on every open. Timestamps are unix nanoseconds.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	channel    TEXT NOT NULL,
	key        TEXT NOT NULL UNIQUE,
	state      TEXT NOT NULL,
	archived   INTEGER NOT NULL DEFAULT 0,
	version    INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	direction       TEXT NOT NULL,
	text            TEXT NOT NULL,
	intent          TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS persons (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	notes      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id        TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	name      TEXT NOT NULL,
	notes     TEXT NOT NULL DEFAULT '',
	status    TEXT NOT NULL DEFAULT '',
	version   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_client_name
	ON projects(client_id, name);

CREATE TABLE IF NOT EXISTS reminder_rules (
	id                TEXT PRIMARY KEY,
	client_id         TEXT NOT NULL,
	conversation_id   TEXT NOT NULL,
	trigger_kind      TEXT NOT NULL,
	trigger_at        INTEGER NOT NULL DEFAULT 0,
	trigger_every     INTEGER NOT NULL DEFAULT 0,
	payload           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	source_message_id TEXT,
	owner_ref         TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL,
	created_at        INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_source
	ON reminder_rules(source_message_id)
	WHERE source_message_id IS NOT NULL AND source_message_id != '';

CREATE TABLE IF NOT EXISTS reminder_instances (
	id              TEXT PRIMARY KEY,
	rule_id         TEXT NOT NULL,
	scheduled_for   INTEGER NOT NULL,
	state           TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	acknowledged_at INTEGER NOT NULL DEFAULT 0,
	version         INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_instances_due
	ON reminder_instances(state, scheduled_for);

CREATE TABLE IF NOT EXISTS effect_ledger (
	message_id TEXT NOT NULL,
	agent      TEXT NOT NULL,
	claimed_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, agent)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	message_id      TEXT NOT NULL,
	agents          TEXT NOT NULL DEFAULT '',
	decision        TEXT NOT NULL,
	flags           TEXT NOT NULL DEFAULT '',
	detail          TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_conversation
	ON audit_log(conversation_id, created_at);
`
