// Package store provides durable, transactional persistence for commands,
// aggregated hosts, host status history, webhooks, and push state, backed
// by modernc.org/sqlite (pure Go, no cgo). Migrations are a single
// idempotent schema batch exec'd on open, with WAL journaling enabled.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Open opens (creating if absent) the SQLite database at path and applies
// the schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id              TEXT PRIMARY KEY,
	node_id         TEXT NOT NULL,
	type            TEXT NOT NULL,
	payload         TEXT NOT NULL,
	idempotency_key TEXT,
	state           TEXT NOT NULL,
	error           TEXT,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	sent_at         DATETIME,
	completed_at    DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_node_idem
	ON commands(node_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_commands_node_state_created
	ON commands(node_id, state, created_at);
CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);

CREATE TABLE IF NOT EXISTS aggregated_hosts (
	id                   TEXT PRIMARY KEY,
	node_id              TEXT NOT NULL,
	name                 TEXT NOT NULL,
	mac                  TEXT NOT NULL DEFAULT '',
	secondary_macs       TEXT,
	ip                   TEXT,
	wol_port             INTEGER,
	status               TEXT NOT NULL,
	location             TEXT NOT NULL DEFAULT '',
	fully_qualified_name TEXT NOT NULL UNIQUE,
	last_seen            DATETIME,
	discovered           INTEGER NOT NULL DEFAULT 0,
	ping_responsive      INTEGER,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hosts_node_name ON aggregated_hosts(node_id, name);
CREATE INDEX IF NOT EXISTS idx_hosts_node_mac ON aggregated_hosts(node_id, mac);

CREATE TABLE IF NOT EXISTS host_status_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	host_fqn    TEXT NOT NULL,
	old_status  TEXT NOT NULL,
	new_status  TEXT NOT NULL,
	changed_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_fqn_changed ON host_status_history(host_fqn, changed_at);

CREATE TABLE IF NOT EXISTS webhooks (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	events     TEXT NOT NULL,
	secret     TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_delivery_logs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	webhook_id      TEXT NOT NULL REFERENCES webhooks(id),
	event_type      TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	status          TEXT NOT NULL,
	response_status INTEGER,
	error           TEXT,
	payload         TEXT,
	created_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_webhook ON webhook_delivery_logs(webhook_id, created_at);

CREATE TABLE IF NOT EXISTS push_devices (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	platform   TEXT NOT NULL,
	token      TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_push_devices_user ON push_devices(user_id);

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id     TEXT PRIMARY KEY,
	enabled     INTEGER NOT NULL DEFAULT 1,
	events      TEXT NOT NULL DEFAULT '[]',
	quiet_hours TEXT,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
`

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
