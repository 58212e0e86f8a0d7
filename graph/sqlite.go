package graph

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps the whole graph in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-operator use on one machine
//   - Local installs that need persistence without a database server
//
// The store uses WAL mode for concurrent reads and serializes writers
// through a single connection, which is also what makes task numbering
// race-free without explicit row locks.
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store.
//
// The path parameter accepts a file path or ":memory:" for an in-memory
// database that is lost on close. The schema is migrated automatically on
// first use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// turns write contention into queuing instead of SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{sqlStore: sqlStore{db: db}, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Path returns the database file location the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) createTables(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			parent_workspace_id TEXT NOT NULL DEFAULT '',
			parent_project_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE (name, parent_workspace_id, parent_project_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			parent_task_id TEXT NOT NULL DEFAULT '',
			number INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			module TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			started TEXT NOT NULL DEFAULT '',
			completed TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (project_id, number)
		)`,
		`CREATE TABLE IF NOT EXISTS task_deps (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			PRIMARY KEY (from_id, to_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sections (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (task_id, type)
		)`,
		`CREATE TABLE IF NOT EXISTS findings (
			id TEXT PRIMARY KEY,
			section_id TEXT NOT NULL,
			text TEXT NOT NULL,
			status TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			file TEXT NOT NULL DEFAULT '',
			line_start INTEGER NOT NULL DEFAULT 0,
			line_end INTEGER NOT NULL DEFAULT 0,
			resolution TEXT NOT NULL DEFAULT '',
			resolved_at TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			finding_id TEXT NOT NULL DEFAULT '',
			parent_comment_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			idx INTEGER NOT NULL,
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL DEFAULT '',
			completed_at TEXT NOT NULL DEFAULT '',
			UNIQUE (run_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			task_id TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_records (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS roles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS role_caps (
			role_id TEXT NOT NULL,
			verb TEXT NOT NULL,
			kind TEXT NOT NULL,
			operation TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sections_task ON sections(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_section ON findings(section_id)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_finding ON comments(finding_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON workflow_runs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_task ON execution_records(task_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}
