package dbutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// TestPostgresDSN returns a DSN scoped to a throwaway schema on the server
// named by CREDITS_TEST_DSN, skipping the test when none is configured. The
// schema is dropped when the test ends.
func TestPostgresDSN(t testing.TB) string {
	t.Helper()
	base := os.Getenv("CREDITS_TEST_DSN")
	if base == "" {
		t.Skipf("Skipping test: CREDITS_TEST_DSN not set")
	}
	db, err := sql.Open("pgx", base)
	if err != nil {
		t.Skipf("Skipping test: cannot open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Skipf("Skipping test: cannot connect to database: %v", err)
	}
	schema := "credits_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	if _, err := db.Exec(fmt.Sprintf(`CREATE SCHEMA %s`, schema)); err != nil {
		_ = db.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), fmt.Sprintf(`DROP SCHEMA %s CASCADE`, schema))
		_ = db.Close()
	})
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "search_path=" + schema
}
