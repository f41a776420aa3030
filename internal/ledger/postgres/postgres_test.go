package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/tokligence/tokligence-credits/internal/dbutil"
	"github.com/tokligence/tokligence-credits/internal/ledger/ledgertest"
	identpg "github.com/tokligence/tokligence-credits/internal/userstore/postgres"
)

func TestStoreConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledgertest.Harness {
		dsn := dbutil.TestPostgresDSN(t)
		idents, err := identpg.New(dsn, dbutil.Pool{})
		if err != nil {
			t.Fatalf("identity store: %v", err)
		}
		t.Cleanup(func() { _ = idents.Close() })
		store, err := New(dsn, dbutil.Pool{MaxOpen: 8})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })

		return ledgertest.Harness{
			Ledger: store,
			AddIdentity: func(t *testing.T, id string) {
				if _, err := idents.Create(context.Background(), id, "", time.Now()); err != nil {
					t.Fatalf("create identity: %v", err)
				}
			},
			RemoveIdentity: func(t *testing.T, id string) {
				if _, err := idents.Delete(context.Background(), id); err != nil {
					t.Fatalf("delete identity: %v", err)
				}
			},
		}
	})
}

func TestRowLevelSecurityScopesNonOwnerRoles(t *testing.T) {
	dsn := dbutil.TestPostgresDSN(t)
	idents, err := identpg.New(dsn, dbutil.Pool{})
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	t.Cleanup(func() { _ = idents.Close() })
	store, err := New(dsn, dbutil.Pool{MaxOpen: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		if _, err := idents.Create(ctx, id, "", time.Now()); err != nil {
			t.Fatalf("create identity: %v", err)
		}
		if _, err := store.Create(ctx, id, 10, time.Now()); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	var schema string
	if err := store.db.QueryRowContext(ctx, `SELECT current_schema()`).Scan(&schema); err != nil {
		t.Fatalf("current_schema: %v", err)
	}
	role := pq.QuoteIdentifier(fmt.Sprintf("credits_reader_%d", time.Now().UnixNano()))
	if _, err := store.db.ExecContext(ctx, "CREATE ROLE "+role+" NOLOGIN"); err != nil {
		t.Skipf("Skipping test: cannot create role: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.db.Exec("DROP OWNED BY " + role)
		_, _ = store.db.Exec("DROP ROLE " + role)
	})
	for _, stmt := range []string{
		"GRANT " + role + " TO CURRENT_USER",
		"GRANT USAGE ON SCHEMA " + pq.QuoteIdentifier(schema) + " TO " + role,
		"GRANT SELECT, UPDATE ON credit_balances, credit_transactions TO " + role,
	} {
		if _, err := store.db.ExecContext(ctx, stmt); err != nil {
			t.Skipf("Skipping test: %s: %v", stmt, err)
		}
	}

	// asReader runs fn as the non-owner role with the session bound to userID.
	asReader := func(userID string, fn func(tx *sql.Tx)) {
		t.Helper()
		tx, err := store.db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+role); err != nil {
			t.Skipf("Skipping test: cannot assume role: %v", err)
		}
		if userID != "" {
			if _, err := tx.ExecContext(ctx, `SELECT set_config('credits.user_id', $1, true)`, userID); err != nil {
				t.Fatalf("bind identity: %v", err)
			}
		}
		fn(tx)
	}

	countRows := func(userID string) int {
		var n int
		asReader(userID, func(tx *sql.Tx) {
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_balances`).Scan(&n); err != nil {
				t.Fatalf("count: %v", err)
			}
		})
		return n
	}
	if n := countRows("alice"); n != 1 {
		t.Fatalf("alice should see only her row, saw %d", n)
	}
	if n := countRows(""); n != 0 {
		t.Fatalf("an unbound session should see no rows, saw %d", n)
	}

	asReader("alice", func(tx *sql.Tx) {
		var owner string
		if err := tx.QueryRowContext(ctx, `SELECT user_id FROM credit_balances`).Scan(&owner); err != nil {
			t.Fatalf("select: %v", err)
		}
		if owner != "alice" {
			t.Fatalf("expected alice's row, got %q", owner)
		}
		res, err := tx.ExecContext(ctx, `UPDATE credit_balances SET updated_at = NOW() WHERE user_id = 'bob'`)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if n, _ := res.RowsAffected(); n != 0 {
			t.Fatalf("alice's session updated %d of bob's rows", n)
		}
	})

	// The owning role bypasses the policies, which the reset job relies on.
	ids, err := store.ResetCandidates(ctx, time.Now().Add(time.Hour), "", 10)
	if err != nil {
		t.Fatalf("ResetCandidates: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("owner should see both rows, got %v", ids)
	}
}
