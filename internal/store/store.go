// Foundry is a self-hosted continuous-integration and deployment system.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store is Foundry's single source of truth: repositories, jobs,
// stages, stage logs, schedules, and webhook deliveries, all backed by a
// SQLite database opened in WAL mode. Every other component reads and
// writes exclusively through this package; no component shares in-memory
// state with another.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5 * time.Second
	currentSchemaVer   = 1
)

// Store wraps a SQLite connection pool and exposes the operations in
// spec §4.A.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithClock overrides the time source used for created_at/now comparisons.
// Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if absent) the SQLite database at path and runs
// forward-only migrations to bring it to the current schema version.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite + WAL: single writer is simplest and matches the teacher's choice
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a serializable transaction, rolling back on error
// or panic and committing otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
			return fmt.Errorf("create settings: %w", err)
		}

		version, err := schemaVersion(ctx, tx)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}

		if version < 1 {
			if err := migrateV1(ctx, tx); err != nil {
				return fmt.Errorf("migrate to v1: %w", err)
			}
			version = 1
		}

		return setSchemaVersion(ctx, tx, version)
	})
}

func schemaVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var v string
	err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'schema_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

func setSchemaVersion(ctx context.Context, tx *sql.Tx, v int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", v))
	return err
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS repo (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			clone_url TEXT NOT NULL DEFAULT '',
			default_image TEXT NOT NULL DEFAULT '',
			trigger_branches TEXT NOT NULL DEFAULT 'main,master',
			trigger_pull_requests INTEGER NOT NULL DEFAULT 0,
			trigger_pr_target_branches TEXT NOT NULL DEFAULT '',
			build_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_build_at TEXT,
			default_branch TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			html_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(owner, name)
		)`,
		`CREATE TABLE IF NOT EXISTS job (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL REFERENCES repo(id),
			git_sha TEXT NOT NULL,
			git_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			claimed_by TEXT,
			claim_token TEXT,
			commit_message TEXT NOT NULL DEFAULT '',
			commit_author TEXT NOT NULL DEFAULT '',
			commit_url TEXT NOT NULL DEFAULT '',
			scheduled_job_id INTEGER,
			pr_number INTEGER,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_status_created ON job(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS job_stage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL REFERENCES job(id),
			name TEXT NOT NULL,
			stage_order INTEGER NOT NULL,
			status TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			finished_at TEXT,
			duration_ms INTEGER,
			exit_code INTEGER,
			error_message TEXT,
			UNIQUE(job_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS stage_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stage_id INTEGER NOT NULL REFERENCES job_stage(id),
			seq INTEGER NOT NULL,
			line TEXT NOT NULL,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_log_stage_ts ON stage_log(stage_id, ts, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_stage_log_stage_seq ON stage_log(stage_id, seq)`,
		`CREATE TABLE IF NOT EXISTS scheduled_job (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL REFERENCES repo(id),
			cron_expression TEXT NOT NULL,
			branch TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TEXT,
			next_run_at TEXT,
			UNIQUE(repository_id, branch)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_event (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			delivery_id TEXT NOT NULL,
			signature_valid INTEGER NOT NULL,
			payload BLOB NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			job_id INTEGER,
			error_message TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_event_delivery ON webhook_event(delivery_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}
