package graph_test

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/foremanproject/foreman/graph"
)

// TestMySQLStoreConformance runs the full store suite against a real MySQL
// server. It requires:
//   - A running MySQL/MariaDB instance with an empty test database.
//   - TEST_MYSQL_DSN set, e.g.
//     export TEST_MYSQL_DSN="user:password@tcp(localhost:3306)/foreman_test"
//
// The suite creates its own schema; use a throwaway database.
func TestMySQLStoreConformance(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL integration test: set TEST_MYSQL_DSN to run")
	}

	runStoreSuite(t, func(t *testing.T) graph.Store {
		dropMySQLTables(t, dsn)
		s, err := graph.NewMySQLStore(dsn)
		if err != nil {
			t.Fatalf("open mysql store: %v", err)
		}
		return s
	})
}

// dropMySQLTables clears the schema so each subtest starts from an empty
// database, matching the fresh-store behavior of the other backends.
func dropMySQLTables(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	defer db.Close()

	tables := []string{
		"role_caps", "roles", "execution_records", "leases",
		"workflow_steps", "workflow_runs", "comments", "findings",
		"sections", "task_deps", "tasks", "projects", "workspaces",
	}
	for _, table := range tables {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
}
