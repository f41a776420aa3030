package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tokligence/tokligence-credits/internal/dbutil"
	"github.com/tokligence/tokligence-credits/internal/userstore"
)

// Store implements userstore.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed identity store using the provided DSN.
func New(dsn string, pool dbutil.Pool) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	pool.Apply(db)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE,
	anonymous BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	upgraded_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_identities_anonymous_created ON identities(created_at) WHERE anonymous;
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return dbutil.Classify("ping", s.db.PingContext(ctx))
}

const selectIdentity = `SELECT id, email, anonymous, created_at, updated_at, upgraded_at FROM identities`

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*userstore.Identity, error) {
	var (
		ident    userstore.Identity
		email    sql.NullString
		upgraded sql.NullTime
	)
	if err := row.Scan(&ident.ID, &email, &ident.Anonymous, &ident.CreatedAt, &ident.UpdatedAt, &upgraded); err != nil {
		return nil, err
	}
	ident.Email = email.String
	ident.CreatedAt = ident.CreatedAt.UTC()
	ident.UpdatedAt = ident.UpdatedAt.UTC()
	if upgraded.Valid {
		t := upgraded.Time.UTC()
		ident.UpgradedAt = &t
	}
	return &ident, nil
}

// Create inserts an identity, returning the existing record if id is taken.
func (s *Store) Create(ctx context.Context, id, email string, at time.Time) (*userstore.Identity, error) {
	if strings.TrimSpace(id) == "" {
		return nil, userstore.ErrMissingUserID
	}
	var emailArg, upgraded any
	if email != "" {
		normalized, err := userstore.NormalizeEmail(email)
		if err != nil {
			return nil, err
		}
		emailArg, upgraded = normalized, at.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identities(id, email, anonymous, created_at, updated_at, upgraded_at)
VALUES($1, $2, $3, $4, $4, $5)
ON CONFLICT (id) DO NOTHING`, id, emailArg, email == "", at.UTC(), upgraded)
	if err != nil {
		if dbutil.IsUniqueViolation(err) {
			return nil, userstore.ErrEmailTaken
		}
		return nil, dbutil.Classify("create identity", err)
	}
	return s.Get(ctx, id)
}

// Get returns the identity, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*userstore.Identity, error) {
	ident, err := scanIdentity(s.db.QueryRowContext(ctx, selectIdentity+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbutil.Classify("get identity", err)
	}
	return ident, nil
}

// FindByEmail returns the identity matching the email, if present.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	ident, err := scanIdentity(s.db.QueryRowContext(ctx, selectIdentity+` WHERE email = $1 LIMIT 1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbutil.Classify("find identity", err)
	}
	return ident, nil
}

// Upgrade attaches email to an anonymous identity.
func (s *Store) Upgrade(ctx context.Context, id, email string, at time.Time) (*userstore.Identity, error) {
	email, err := userstore.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbutil.Classify("upgrade identity", err)
	}
	defer dbutil.Rollback(tx)

	ident, err := scanIdentity(tx.QueryRowContext(ctx, selectIdentity+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userstore.ErrNotFound
	}
	if err != nil {
		return nil, dbutil.Classify("upgrade identity", err)
	}
	if !ident.Anonymous {
		if ident.Email == email {
			return ident, nil
		}
		return nil, userstore.ErrNotAnonymous
	}
	at = at.UTC()
	if _, err := tx.ExecContext(ctx, `
UPDATE identities SET email = $1, anonymous = FALSE, updated_at = $2, upgraded_at = $2
WHERE id = $3`, email, at, id); err != nil {
		if dbutil.IsUniqueViolation(err) {
			return nil, userstore.ErrEmailTaken
		}
		return nil, dbutil.Classify("upgrade identity", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, dbutil.Classify("upgrade identity", err)
	}
	ident.Email = email
	ident.Anonymous = false
	ident.UpdatedAt = at
	ident.UpgradedAt = &at
	return ident, nil
}

// Delete removes the identity; the ledger rows go with it.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return false, dbutil.Classify("delete identity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbutil.Classify("delete identity", err)
	}
	return n > 0, nil
}

// ListStaleAnonymous returns anonymous identities created before cutoff, oldest first.
func (s *Store) ListStaleAnonymous(ctx context.Context, cutoff time.Time, limit int) ([]userstore.Identity, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, selectIdentity+`
WHERE anonymous AND created_at < $1
ORDER BY created_at, id
LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, dbutil.Classify("list stale identities", err)
	}
	defer rows.Close()

	var out []userstore.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, dbutil.Classify("list stale identities", err)
		}
		out = append(out, *ident)
	}
	return out, dbutil.Classify("list stale identities", rows.Err())
}

// DeleteStaleAnonymous removes ids that are still anonymous and older than cutoff.
func (s *Store) DeleteStaleAnonymous(ctx context.Context, ids []string, cutoff time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
DELETE FROM identities
WHERE anonymous AND created_at < $1 AND id = ANY($2)
RETURNING id`, cutoff.UTC(), pq.Array(ids))
	if err != nil {
		return nil, dbutil.Classify("delete stale identities", err)
	}
	defer rows.Close()

	var deleted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbutil.Classify("delete stale identities", err)
		}
		deleted = append(deleted, id)
	}
	return deleted, dbutil.Classify("delete stale identities", rows.Err())
}
