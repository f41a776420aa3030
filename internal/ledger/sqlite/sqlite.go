package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tokligence/tokligence-credits/internal/dbutil"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// Store implements ledger.Store backed by SQLite. SQLite has no row locks;
// every write transaction begins IMMEDIATE and so holds the database write
// lock from its first read.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the ledger tables in the SQLite file at path. The
// identities table must already exist in the same file.
func New(path string) (*Store, error) {
	db, err := dbutil.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS credit_balances (
	user_id TEXT PRIMARY KEY REFERENCES identities(id) ON DELETE CASCADE,
	total_credits INTEGER NOT NULL CHECK(total_credits >= 0),
	used_credits INTEGER NOT NULL DEFAULT 0 CHECK(used_credits >= 0),
	remaining_credits INTEGER NOT NULL CHECK(remaining_credits >= 0),
	last_reset_at TIMESTAMP NOT NULL,
	bonus_granted INTEGER NOT NULL DEFAULT 0 CHECK(bonus_granted IN (0, 1)),
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK(remaining_credits = total_credits - used_credits)
);
CREATE INDEX IF NOT EXISTS idx_credit_balances_reset ON credit_balances(last_reset_at, user_id);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	kind TEXT NOT NULL CHECK(kind IN ('spent','reset','bonus','prune')),
	amount INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_created ON credit_transactions(user_id, id DESC);

CREATE TRIGGER IF NOT EXISTS credit_transactions_append_only
BEFORE UPDATE ON credit_transactions
BEGIN
	SELECT RAISE(ABORT, 'credit_transactions is append-only');
END;
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return dbutil.Classify("ping", s.db.PingContext(ctx))
}

func (s *Store) Create(ctx context.Context, userID string, allowance int64, epoch time.Time) (bool, error) {
	if userID == "" || allowance < 0 {
		return false, ledger.ErrInvalidInput
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO credit_balances(user_id, total_credits, used_credits, remaining_credits, last_reset_at, created_at, updated_at)
SELECT ?, ?, 0, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM identities WHERE id = ?)
ON CONFLICT(user_id) DO NOTHING`,
		userID, allowance, allowance, epoch.UTC(), now, now, userID)
	if err != nil {
		return false, dbutil.Classify("create balance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbutil.Classify("create balance", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM identities WHERE id = ?`, userID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, ledger.ErrUnknownIdentity
		}
		if err != nil {
			return false, dbutil.Classify("create balance", err)
		}
	}
	return n > 0, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBalance(ctx context.Context, q querier, userID string) (ledger.Balance, error) {
	var b ledger.Balance
	err := q.QueryRowContext(ctx, `
SELECT user_id, total_credits, used_credits, remaining_credits, last_reset_at, bonus_granted
FROM credit_balances WHERE user_id = ?`, userID).
		Scan(&b.UserID, &b.Total, &b.Used, &b.Remaining, &b.LastResetAt, &b.BonusGranted)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Balance{}, err
	}
	b.LastResetAt = b.LastResetAt.UTC()
	return b, nil
}

func (s *Store) Get(ctx context.Context, userID string) (ledger.Balance, error) {
	b, err := getBalance(ctx, s.db, userID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Balance{}, dbutil.Classify("get balance", err)
	}
	return b, err
}

func insertAudit(ctx context.Context, tx *sql.Tx, userID string, kind ledger.Kind, amount int64, desc string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions(user_id, kind, amount, description, created_at)
VALUES(?, ?, ?, ?, ?)`, userID, string(kind), amount, desc, at.UTC())
	return err
}

func (s *Store) Consume(ctx context.Context, req ledger.ConsumeRequest) (ledger.Result, error) {
	if err := req.Validate(); err != nil {
		return ledger.Result{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Result{}, dbutil.Classify("consume", err)
	}
	defer dbutil.Rollback(tx)

	b, err := getBalance(ctx, tx, req.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Result{Outcome: ledger.OutcomeNotFound}, nil
	}
	if err != nil {
		return ledger.Result{}, dbutil.Classify("consume", err)
	}
	if b.Remaining < req.Amount {
		return ledger.Result{Outcome: ledger.OutcomeInsufficient, Remaining: b.Remaining}, nil
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE credit_balances
SET used_credits = used_credits + ?, remaining_credits = remaining_credits - ?, updated_at = ?
WHERE user_id = ?`, req.Amount, req.Amount, req.At.UTC(), req.UserID); err != nil {
		return ledger.Result{}, dbutil.Classify("consume", err)
	}
	if err := insertAudit(ctx, tx, req.UserID, ledger.KindSpent, req.Amount, req.Description, req.At); err != nil {
		return ledger.Result{}, dbutil.Classify("consume", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Result{}, dbutil.ClassifyCommit("consume", err)
	}
	return ledger.Result{Outcome: ledger.OutcomeOK, Remaining: b.Remaining - req.Amount}, nil
}

func (s *Store) Grant(ctx context.Context, req ledger.GrantRequest) (ledger.Balance, int64, error) {
	if req.Floor < 0 {
		return ledger.Balance{}, 0, ledger.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Balance{}, 0, dbutil.Classify("grant", err)
	}
	defer dbutil.Rollback(tx)

	b, err := getBalance(ctx, tx, req.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Balance{}, 0, err
	}
	if err != nil {
		return ledger.Balance{}, 0, dbutil.Classify("grant", err)
	}
	if b.BonusGranted {
		return ledger.Balance{}, 0, ledger.ErrBonusGranted
	}
	delta := max(req.Floor-b.Remaining, 0)
	b.Remaining += delta
	b.Total = b.Used + b.Remaining
	b.BonusGranted = true
	if _, err := tx.ExecContext(ctx, `
UPDATE credit_balances
SET total_credits = ?, remaining_credits = ?, bonus_granted = 1, updated_at = ?
WHERE user_id = ?`, b.Total, b.Remaining, req.At.UTC(), req.UserID); err != nil {
		return ledger.Balance{}, 0, dbutil.Classify("grant", err)
	}
	if delta > 0 {
		if err := insertAudit(ctx, tx, req.UserID, ledger.KindBonus, delta, req.Description, req.At); err != nil {
			return ledger.Balance{}, 0, dbutil.Classify("grant", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Balance{}, 0, dbutil.Classify("grant", err)
	}
	return b, delta, nil
}

func (s *Store) ResetCandidates(ctx context.Context, dayStart time.Time, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id FROM credit_balances
WHERE last_reset_at < ? AND user_id > ?
ORDER BY user_id
LIMIT ?`, dayStart.UTC(), after, limit)
	if err != nil {
		return nil, dbutil.Classify("reset candidates", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbutil.Classify("reset candidates", err)
		}
		ids = append(ids, id)
	}
	return ids, dbutil.Classify("reset candidates", rows.Err())
}

func (s *Store) Reset(ctx context.Context, req ledger.ResetRequest) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, dbutil.Classify("reset", err)
	}
	defer dbutil.Rollback(tx)

	b, err := getBalance(ctx, tx, req.UserID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, dbutil.Classify("reset", err)
	}
	if !b.LastResetAt.Before(req.DayStart) {
		return false, nil
	}
	allowance, err := req.Allowance(ctx, req.UserID)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE credit_balances
SET total_credits = ?, used_credits = 0, remaining_credits = ?, last_reset_at = ?, updated_at = ?
WHERE user_id = ?`, allowance, allowance, req.DayStart.UTC(), req.At.UTC(), req.UserID); err != nil {
		return false, dbutil.Classify("reset", err)
	}
	if err := insertAudit(ctx, tx, req.UserID, ledger.KindReset, allowance, "daily reset", req.At); err != nil {
		return false, dbutil.Classify("reset", err)
	}
	if err := tx.Commit(); err != nil {
		return false, dbutil.Classify("reset", err)
	}
	return true, nil
}

// History returns the latest audit entries for a user.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]ledger.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, kind, amount, description, created_at
FROM credit_transactions
WHERE user_id = ?
ORDER BY id DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, dbutil.Classify("history", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var e ledger.AuditEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, dbutil.Classify("history", err)
		}
		e.Kind = ledger.Kind(kind)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, dbutil.Classify("history", rows.Err())
}
