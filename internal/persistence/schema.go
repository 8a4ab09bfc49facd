package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
)

// migration is one schema step. Applied steps are recorded with a checksum
// of their statements, so editing a shipped migration is caught on open.
type migration struct {
	version    int
	name       string
	statements []string
}

func (m migration) checksum() string {
	h := sha256.New()
	h.Write([]byte(m.name))
	for _, stmt := range m.statements {
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(strings.Fields(stmt), " ")))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))[:16]
}

var migrations = []migration{
	{
		version: 1,
		name:    "orchestrator",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL CHECK(status IN ('waiting_approval','pending','running','succeeded','failed','rejected','aborted_on_restart')),
				command_kind TEXT NOT NULL,
				command_text TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '',
				lock_key TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				message_ts TEXT NOT NULL,
				thread_ts TEXT NOT NULL DEFAULT '',
				user_id TEXT NOT NULL DEFAULT '',
				conversation_id TEXT NOT NULL DEFAULT '',
				trigger_text TEXT NOT NULL DEFAULT '',
				source TEXT NOT NULL DEFAULT '',
				attachment_paths TEXT NOT NULL DEFAULT '[]',
				summary TEXT NOT NULL DEFAULT '',
				details TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				started_at DATETIME,
				finished_at DATETIME,
				reported_at DATETIME,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				event_type TEXT NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				trace_id TEXT,
				run_id TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS processed_messages (
				channel_id TEXT NOT NULL,
				message_ts TEXT NOT NULL,
				processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (channel_id, message_ts)
			);`,
			`CREATE TABLE IF NOT EXISTS execution_locks (
				lock_key TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				acquired_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS task_approvals (
				task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
				source_ref TEXT NOT NULL DEFAULT '',
				request_ref TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL CHECK(status IN ('pending','approved','rejected')),
				reason TEXT NOT NULL DEFAULT '',
				decided_by TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				decided_at DATETIME
			);`,
			`CREATE TABLE IF NOT EXISTS agent_sessions (
				conversation_id TEXT NOT NULL,
				agent_kind TEXT NOT NULL,
				handle TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (conversation_id, agent_kind)
			);`,
			`CREATE TABLE IF NOT EXISTS thread_context (
				conversation_id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id TEXT,
				subject TEXT,
				actor TEXT,
				action TEXT NOT NULL,
				decision TEXT NOT NULL,
				reason TEXT,
				policy_version TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_reported ON tasks(reported_at);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
			`CREATE INDEX IF NOT EXISTS idx_task_approvals_request_ref ON task_approvals(request_ref);`,
			`CREATE INDEX IF NOT EXISTS idx_task_approvals_source_ref ON task_approvals(source_ref);`,
			`CREATE INDEX IF NOT EXISTS idx_execution_locks_task ON execution_locks(task_id);`,
		},
	},
}

func latestSchemaVersion() int { return migrations[len(migrations)-1].version }

// migrate verifies already-applied migrations and applies the rest, all in
// one transaction.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedMigrations(ctx, tx)
	if err != nil {
		return err
	}
	for v := range applied {
		if v > latestSchemaVersion() {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, latestSchemaVersion())
		}
	}

	for _, m := range migrations {
		want := m.checksum()
		if got, ok := applied[m.version]; ok {
			if got != want {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, got, want)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, want); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, tx *sql.Tx) (map[int]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	out := make(map[int]string)
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		out[v] = sum
	}
	return out, rows.Err()
}
