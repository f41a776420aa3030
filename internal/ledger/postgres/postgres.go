package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/tokligence-credits/internal/dbutil"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// DefaultLockTimeout bounds how long a transaction waits for a row lock
// before the operation is reported as transient.
const DefaultLockTimeout = 2 * time.Second

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
// The identities table must already exist.
func New(dsn string, pool dbutil.Pool) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	pool.Apply(db)

	s := &Store{db: db, lockTimeout: DefaultLockTimeout}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// SetLockTimeout overrides DefaultLockTimeout.
func (s *Store) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS credit_balances (
	user_id TEXT PRIMARY KEY REFERENCES identities(id) ON DELETE CASCADE,
	total_credits BIGINT NOT NULL CHECK(total_credits >= 0),
	used_credits BIGINT NOT NULL DEFAULT 0 CHECK(used_credits >= 0),
	remaining_credits BIGINT NOT NULL CHECK(remaining_credits >= 0),
	last_reset_at TIMESTAMPTZ NOT NULL,
	bonus_granted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT credit_balances_consistent CHECK(remaining_credits = total_credits - used_credits)
);
ALTER TABLE credit_balances ADD COLUMN IF NOT EXISTS bonus_granted BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS idx_credit_balances_reset ON credit_balances(last_reset_at, user_id);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	kind TEXT NOT NULL CHECK(kind IN ('spent','reset','bonus','prune')),
	amount BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_created ON credit_transactions(user_id, id DESC);

ALTER TABLE credit_balances ENABLE ROW LEVEL SECURITY;
ALTER TABLE credit_transactions ENABLE ROW LEVEL SECURITY;

DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE schemaname = current_schema() AND tablename = 'credit_balances' AND policyname = 'credit_balances_owner') THEN
		CREATE POLICY credit_balances_owner ON credit_balances FOR ALL
			USING (user_id = current_setting('credits.user_id', true))
			WITH CHECK (user_id = current_setting('credits.user_id', true));
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_policies WHERE schemaname = current_schema() AND tablename = 'credit_transactions' AND policyname = 'credit_transactions_owner') THEN
		CREATE POLICY credit_transactions_owner ON credit_transactions FOR ALL
			USING (user_id = current_setting('credits.user_id', true))
			WITH CHECK (user_id = current_setting('credits.user_id', true));
	END IF;
END $$;

CREATE OR REPLACE FUNCTION credit_transactions_reject_update() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'credit_transactions is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS credit_transactions_append_only ON credit_transactions;
CREATE TRIGGER credit_transactions_append_only
	BEFORE UPDATE ON credit_transactions
	FOR EACH ROW EXECUTE FUNCTION credit_transactions_reject_update();
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

// begin opens a transaction with a bounded row lock wait, bound to userID.
// The binding is what the row-level security policies compare against, so a
// role subject to them sees only that identity's rows for the rest of the
// transaction. Table owners bypass the policies.
func (s *Store) begin(ctx context.Context, userID string, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	ms := s.lockTimeout.Milliseconds()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('credits.user_id', $1, true)`, userID); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

var readOnly = &sql.TxOptions{ReadOnly: true}

func (s *Store) Create(ctx context.Context, userID string, allowance int64, epoch time.Time) (bool, error) {
	if userID == "" || allowance < 0 {
		return false, ledger.ErrInvalidInput
	}
	tx, err := s.begin(ctx, userID, nil)
	if err != nil {
		return false, dbutil.Classify("create balance", err)
	}
	defer dbutil.Rollback(tx)

	res, err := tx.ExecContext(ctx, `
INSERT INTO credit_balances(user_id, total_credits, used_credits, remaining_credits, last_reset_at)
SELECT $1::TEXT, $2::BIGINT, 0, $2::BIGINT, $3::TIMESTAMPTZ
WHERE EXISTS (SELECT 1 FROM identities WHERE id = $1::TEXT)
ON CONFLICT (user_id) DO NOTHING`, userID, allowance, epoch.UTC())
	if err != nil {
		return false, dbutil.Classify("create balance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbutil.Classify("create balance", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM identities WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return false, dbutil.Classify("create balance", err)
		}
		if !exists {
			return false, ledger.ErrUnknownIdentity
		}
	}
	if err := tx.Commit(); err != nil {
		return false, dbutil.Classify("create balance", err)
	}
	return n > 0, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBalance(ctx context.Context, q querier, userID string, forUpdate bool) (ledger.Balance, error) {
	query := `
SELECT user_id, total_credits, used_credits, remaining_credits, last_reset_at, bonus_granted
FROM credit_balances WHERE user_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var b ledger.Balance
	err := q.QueryRowContext(ctx, query, userID).Scan(&b.UserID, &b.Total, &b.Used, &b.Remaining, &b.LastResetAt, &b.BonusGranted)
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
	tx, err := s.begin(ctx, userID, readOnly)
	if err != nil {
		return ledger.Balance{}, dbutil.Classify("get balance", err)
	}
	defer dbutil.Rollback(tx)

	b, err := getBalance(ctx, tx, userID, false)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Balance{}, dbutil.Classify("get balance", err)
	}
	return b, err
}

func insertAudit(ctx context.Context, tx *sql.Tx, userID string, kind ledger.Kind, amount int64, desc string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions(user_id, kind, amount, description, created_at)
VALUES($1, $2, $3, $4, $5)`, userID, string(kind), amount, desc, at.UTC())
	return err
}

func (s *Store) Consume(ctx context.Context, req ledger.ConsumeRequest) (ledger.Result, error) {
	if err := req.Validate(); err != nil {
		return ledger.Result{}, err
	}
	tx, err := s.begin(ctx, req.UserID, nil)
	if err != nil {
		return ledger.Result{}, dbutil.Classify("consume", err)
	}
	defer dbutil.Rollback(tx)

	b, err := getBalance(ctx, tx, req.UserID, true)
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
SET used_credits = used_credits + $1, remaining_credits = remaining_credits - $1, updated_at = $2
WHERE user_id = $3`, req.Amount, req.At.UTC(), req.UserID); err != nil {
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
	tx, err := s.begin(ctx, req.UserID, nil)
	if err != nil {
		return ledger.Balance{}, 0, dbutil.Classify("grant", err)
	}
	defer dbutil.Rollback(tx)

	b, err := getBalance(ctx, tx, req.UserID, true)
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
SET total_credits = $1, remaining_credits = $2, bonus_granted = TRUE, updated_at = $3
WHERE user_id = $4`, b.Total, b.Remaining, req.At.UTC(), req.UserID); err != nil {
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

// ResetCandidates scans across identities and so must run as a role that
// bypasses row-level security, such as the table owner.
func (s *Store) ResetCandidates(ctx context.Context, dayStart time.Time, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id FROM credit_balances
WHERE last_reset_at < $1 AND user_id > $2
ORDER BY user_id
LIMIT $3`, dayStart.UTC(), after, limit)
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
	tx, err := s.begin(ctx, req.UserID, nil)
	if err != nil {
		return false, dbutil.Classify("reset", err)
	}
	defer dbutil.Rollback(tx)

	b, err := getBalance(ctx, tx, req.UserID, true)
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
SET total_credits = $1, used_credits = 0, remaining_credits = $1, last_reset_at = $2, updated_at = $3
WHERE user_id = $4`, allowance, req.DayStart.UTC(), req.At.UTC(), req.UserID); err != nil {
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
	tx, err := s.begin(ctx, userID, readOnly)
	if err != nil {
		return nil, dbutil.Classify("history", err)
	}
	defer dbutil.Rollback(tx)

	rows, err := tx.QueryContext(ctx, `
SELECT id, user_id, kind, amount, description, created_at
FROM credit_transactions
WHERE user_id = $1
ORDER BY id DESC
LIMIT $2`, userID, limit)
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
