package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Bastion store (SQLite).
var Migrations = migrate.NewGroup("bastion")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_decisions",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bastion_decisions (
    cache_key   TEXT PRIMARY KEY,
    subject_id  TEXT NOT NULL,
    resource    TEXT NOT NULL,
    action      TEXT NOT NULL,
    scope       TEXT NOT NULL DEFAULT '',
    allowed     INTEGER NOT NULL DEFAULT 0,
    expires_at  TEXT NOT NULL,
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_bastion_decisions_subject ON bastion_decisions (subject_id);
CREATE INDEX IF NOT EXISTS idx_bastion_decisions_resource ON bastion_decisions (resource);
CREATE INDEX IF NOT EXISTS idx_bastion_decisions_expires ON bastion_decisions (expires_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS bastion_decisions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_security_events",
			Version: "20240101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bastion_security_events (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL,
    severity        TEXT NOT NULL,
    subject_id      TEXT NOT NULL DEFAULT '',
    source_address  TEXT NOT NULL DEFAULT '',
    resource        TEXT NOT NULL DEFAULT '',
    action          TEXT NOT NULL DEFAULT '',
    details         TEXT NOT NULL DEFAULT '{}',
    derived         INTEGER NOT NULL DEFAULT 0,
    resolved        INTEGER NOT NULL DEFAULT 0,
    resolved_by     TEXT NOT NULL DEFAULT '',
    resolved_at     TEXT,
    occurred_at     TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_bastion_security_events_subject ON bastion_security_events (subject_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_bastion_security_events_source ON bastion_security_events (source_address, occurred_at);
CREATE INDEX IF NOT EXISTS idx_bastion_security_events_type ON bastion_security_events (type, occurred_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS bastion_security_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_alert_rules",
			Version: "20240101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bastion_alert_rules (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL UNIQUE,
    description       TEXT NOT NULL DEFAULT '',
    event_type        TEXT NOT NULL,
    conditions        TEXT NOT NULL DEFAULT '[]',
    actions           TEXT NOT NULL DEFAULT '[]',
    enabled           INTEGER NOT NULL DEFAULT 1,
    cooldown_seconds  INTEGER NOT NULL DEFAULT 0,
    severity          TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at        TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_bastion_alert_rules_event_type ON bastion_alert_rules (event_type);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS bastion_alert_rules`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_alerts",
			Version: "20240101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bastion_alerts (
    id               TEXT PRIMARY KEY,
    rule_id          TEXT NOT NULL,
    rule_name        TEXT NOT NULL,
    event_id         TEXT NOT NULL DEFAULT '',
    event_type       TEXT NOT NULL,
    severity         TEXT NOT NULL,
    message          TEXT NOT NULL DEFAULT '',
    details          TEXT NOT NULL DEFAULT '{}',
    subject_id       TEXT NOT NULL DEFAULT '',
    source_address   TEXT NOT NULL DEFAULT '',
    triggered_at     TEXT NOT NULL DEFAULT (datetime('now')),
    acknowledged     INTEGER NOT NULL DEFAULT 0,
    acknowledged_by  TEXT NOT NULL DEFAULT '',
    acknowledged_at  TEXT,
    resolved         INTEGER NOT NULL DEFAULT 0,
    resolved_at      TEXT
);

CREATE INDEX IF NOT EXISTS idx_bastion_alerts_rule ON bastion_alerts (rule_id);
CREATE INDEX IF NOT EXISTS idx_bastion_alerts_active ON bastion_alerts (resolved, triggered_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS bastion_alerts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_role_changes",
			Version: "20240101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bastion_role_changes (
    id          TEXT PRIMARY KEY,
    subject_id  TEXT NOT NULL,
    old_role    TEXT NOT NULL DEFAULT '',
    new_role    TEXT NOT NULL,
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_bastion_role_changes_subject ON bastion_role_changes (subject_id, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS bastion_role_changes`)
				return err
			},
		},
	)
}
