package graph

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Shared installs where several operators work against one graph
//   - Long-lived projects that must survive machine loss
//   - Audit requirements served by the execution record trail
//
// Writes that must be exclusive (task numbering, lease acquisition) take
// FOR UPDATE row locks inside their transactions; the engine serializes
// conflicting writers instead of the connection pool.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore opens a MySQL-backed store.
//
// The DSN format is the go-sql-driver one:
//
//	user:password@tcp(host:3306)/foreman?parseTime=false
//
// Credentials belong in the environment or the config file, never in
// source. The schema is migrated automatically on first use.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{sqlStore: sqlStore{db: db, mysql: true}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			description TEXT NOT NULL,
			created_at VARCHAR(64) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS projects (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			parent_workspace_id VARCHAR(36) NOT NULL DEFAULT '',
			parent_project_id VARCHAR(36) NOT NULL DEFAULT '',
			created_at VARCHAR(64) NOT NULL,
			UNIQUE KEY uniq_project_name (name, parent_workspace_id, parent_project_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(36) PRIMARY KEY,
			project_id VARCHAR(36) NOT NULL,
			parent_task_id VARCHAR(36) NOT NULL DEFAULT '',
			number INT NOT NULL,
			description TEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			module VARCHAR(255) NOT NULL DEFAULT '',
			branch VARCHAR(255) NOT NULL DEFAULT '',
			started VARCHAR(64) NOT NULL DEFAULT '',
			completed VARCHAR(64) NOT NULL DEFAULT '',
			created_at VARCHAR(64) NOT NULL,
			updated_at VARCHAR(64) NOT NULL,
			UNIQUE KEY uniq_task_number (project_id, number),
			KEY idx_tasks_project (project_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS task_deps (
			from_id VARCHAR(36) NOT NULL,
			to_id VARCHAR(36) NOT NULL,
			PRIMARY KEY (from_id, to_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS sections (
			id VARCHAR(36) PRIMARY KEY,
			task_id VARCHAR(36) NOT NULL,
			type VARCHAR(255) NOT NULL,
			content MEDIUMTEXT NOT NULL,
			created_at VARCHAR(64) NOT NULL,
			updated_at VARCHAR(64) NOT NULL,
			UNIQUE KEY uniq_section_type (task_id, type),
			KEY idx_sections_task (task_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS findings (
			id VARCHAR(36) PRIMARY KEY,
			section_id VARCHAR(36) NOT NULL,
			text MEDIUMTEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			severity VARCHAR(32) NOT NULL DEFAULT '',
			author VARCHAR(255) NOT NULL DEFAULT '',
			file VARCHAR(1024) NOT NULL DEFAULT '',
			line_start INT NOT NULL DEFAULT 0,
			line_end INT NOT NULL DEFAULT 0,
			resolution MEDIUMTEXT NOT NULL,
			resolved_at VARCHAR(64) NOT NULL DEFAULT '',
			created_at VARCHAR(64) NOT NULL,
			KEY idx_findings_section (section_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS comments (
			id VARCHAR(36) PRIMARY KEY,
			finding_id VARCHAR(36) NOT NULL DEFAULT '',
			parent_comment_id VARCHAR(36) NOT NULL DEFAULT '',
			text MEDIUMTEXT NOT NULL,
			author VARCHAR(255) NOT NULL DEFAULT '',
			created_at VARCHAR(64) NOT NULL,
			KEY idx_comments_finding (finding_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id VARCHAR(36) PRIMARY KEY,
			task_id VARCHAR(36) NOT NULL,
			type VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			started_at VARCHAR(64) NOT NULL,
			completed_at VARCHAR(64) NOT NULL DEFAULT '',
			KEY idx_runs_task (task_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id VARCHAR(36) PRIMARY KEY,
			run_id VARCHAR(36) NOT NULL,
			name VARCHAR(255) NOT NULL,
			idx INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			output MEDIUMTEXT NOT NULL,
			started_at VARCHAR(64) NOT NULL DEFAULT '',
			completed_at VARCHAR(64) NOT NULL DEFAULT '',
			UNIQUE KEY uniq_step_name (run_id, name)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS leases (
			task_id VARCHAR(36) PRIMARY KEY,
			holder VARCHAR(255) NOT NULL,
			acquired_at VARCHAR(64) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS execution_records (
			id VARCHAR(36) PRIMARY KEY,
			task_id VARCHAR(36) NOT NULL,
			step_name VARCHAR(255) NOT NULL,
			attempt INT NOT NULL,
			session_id VARCHAR(255) NOT NULL DEFAULT '',
			outcome VARCHAR(64) NOT NULL,
			exit_code INT NOT NULL DEFAULT 0,
			started_at VARCHAR(64) NOT NULL,
			ended_at VARCHAR(64) NOT NULL DEFAULT '',
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			cost_usd DOUBLE NOT NULL DEFAULT 0,
			KEY idx_records_task (task_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS roles (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS role_caps (
			role_id VARCHAR(36) NOT NULL,
			verb VARCHAR(16) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			operation VARCHAR(64) NOT NULL DEFAULT ''
		) ENGINE=InnoDB`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}
