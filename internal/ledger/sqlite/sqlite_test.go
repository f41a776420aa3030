package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/tokligence-credits/internal/dbutil"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/ledger/ledgertest"
	identsqlite "github.com/tokligence/tokligence-credits/internal/userstore/sqlite"
)

func newHarness(t *testing.T) ledgertest.Harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credits.db")
	idents, err := identsqlite.New(path)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	t.Cleanup(func() { _ = idents.Close() })
	store, err := New(path)
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
}

func TestStoreConformance(t *testing.T) {
	ledgertest.Run(t, newHarness)
}

func TestAuditTrailIsAppendOnly(t *testing.T) {
	h := newHarness(t)
	store := h.Ledger.(*Store)
	ctx := context.Background()
	h.AddIdentity(t, "u1")
	if _, err := store.Create(ctx, "u1", 10, time.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Consume(ctx, ledger.ConsumeRequest{UserID: "u1", Amount: 1, At: time.Now()}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE credit_transactions SET amount = 99`); err == nil {
		t.Fatalf("expected update of audit trail to fail")
	}
}

func TestSchemaRejectsInconsistentRow(t *testing.T) {
	h := newHarness(t)
	store := h.Ledger.(*Store)
	ctx := context.Background()
	h.AddIdentity(t, "u1")
	if _, err := store.Create(ctx, "u1", 10, time.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE credit_balances SET remaining_credits = -1 WHERE user_id = 'u1'`); err == nil {
		t.Fatalf("expected negative remaining to be rejected")
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE credit_balances SET used_credits = 4 WHERE user_id = 'u1'`); err == nil {
		t.Fatalf("expected remaining != total - used to be rejected")
	}
}

// lostAckDriver commits for real and then reports a dropped connection, the
// way a network failure after COMMIT reached the server looks to the client.
type lostAckDriver struct{ driver.Driver }

func (d lostAckDriver) Open(name string) (driver.Conn, error) {
	c, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return lostAckConn{c}, nil
}

type lostAckConn struct{ driver.Conn }

func (c lostAckConn) Begin() (driver.Tx, error) {
	tx, err := c.Conn.Begin()
	if err != nil {
		return nil, err
	}
	return lostAckTx{tx}, nil
}

type lostAckTx struct{ driver.Tx }

func (t lostAckTx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	return driver.ErrBadConn
}

var registerLostAck sync.Once

func TestConsumeCommitLostIsUnknownOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credits.db")
	idents, err := identsqlite.New(path)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	t.Cleanup(func() { _ = idents.Close() })
	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if _, err := idents.Create(ctx, "u1", "", time.Now()); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if _, err := store.Create(ctx, "u1", 10, time.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	registerLostAck.Do(func() { sql.Register("sqlite-lost-ack", lostAckDriver{store.db.Driver()}) })
	db, err := sql.Open("sqlite-lost-ack", dbutil.SQLiteDSN(path))
	if err != nil {
		t.Fatalf("open wrapped db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	lossy := &Store{db: db}

	_, err = lossy.Consume(ctx, ledger.ConsumeRequest{UserID: "u1", Amount: 3, At: time.Now()})
	if !ledger.IsOutcomeUnknown(err) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	if ledger.IsTransient(err) {
		t.Fatalf("a lost commit must not be reported as retryable: %v", err)
	}

	// The spend landed even though the caller never heard back.
	b, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Remaining != 7 || b.Used != 3 {
		t.Fatalf("expected the spend to be durable, got %+v", b)
	}
}
