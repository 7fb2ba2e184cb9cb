package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// migrations are applied in order. Each entry is idempotent.
var migrations = []struct {
	label string
	sql   string
}{
	// ─── agents ──────────────────────────────────────────────────────────
	{"agents", `
		CREATE TABLE IF NOT EXISTS agents (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			hostname     TEXT    NOT NULL UNIQUE,
			ip_address   TEXT    NOT NULL DEFAULT '',
			status       TEXT    NOT NULL DEFAULT 'offline',
			last_seen    DATETIME,
			version      TEXT    NOT NULL DEFAULT '',
			architecture TEXT    NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL
		);`},

	// ─── deployments ─────────────────────────────────────────────────────
	{"deployments", `
		CREATE TABLE IF NOT EXISTS deployments (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			project_name      TEXT    NOT NULL,
			agent_id          INTEGER NOT NULL,
			status            TEXT    NOT NULL DEFAULT 'pending',
			compose_file_hash TEXT    NOT NULL DEFAULT '',
			last_logs         TEXT    NOT NULL DEFAULT '',
			last_error        TEXT    NOT NULL DEFAULT '',
			created_at        DATETIME NOT NULL,
			updated_at        DATETIME NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);`},
	{"deployments indexes", `
		CREATE INDEX IF NOT EXISTS idx_deployments_project ON deployments(project_name, created_at);`},

	// ─── jobs ────────────────────────────────────────────────────────────
	{"jobs", `
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT    PRIMARY KEY,
			deployment_id INTEGER,
			agent_id      INTEGER NOT NULL,
			command_type  TEXT    NOT NULL,
			status        TEXT    NOT NULL DEFAULT 'queued',
			logs          TEXT    NOT NULL DEFAULT '',
			error         TEXT    NOT NULL DEFAULT '',
			data          TEXT,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,
			FOREIGN KEY (deployment_id) REFERENCES deployments(id),
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);`},
	{"jobs indexes", `
		CREATE INDEX IF NOT EXISTS idx_jobs_deployment ON jobs(deployment_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status);`},
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.label, err)
		}
		s.logger.Debug("migration applied", zap.String("label", m.label))
	}
	return nil
}
