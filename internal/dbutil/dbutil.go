// Package dbutil opens the SQL handles shared by the ledger and identity
// stores and classifies driver errors into retryable and permanent ones.
package dbutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// SQLiteDSN builds a modernc DSN for path. Write transactions start with
// BEGIN IMMEDIATE so the lock is taken before the row is read.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	q.Set("_time_format", "sqlite")
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

// Pool configures connection limits on a server-backed database.
type Pool struct {
	MaxOpen         int
	MaxIdle         int
	LifetimeMinutes int
	IdleTimeMinutes int
}

// Apply sets the pool limits on db. Zero values keep the driver defaults.
func (p Pool) Apply(db *sql.DB) {
	if p.MaxOpen > 0 {
		db.SetMaxOpenConns(p.MaxOpen)
	}
	if p.MaxIdle > 0 {
		db.SetMaxIdleConns(p.MaxIdle)
	}
	if p.LifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(p.LifetimeMinutes) * time.Minute)
	}
	if p.IdleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(p.IdleTimeMinutes) * time.Minute)
	}
}

// Postgres SQLSTATE codes that indicate a retryable conflict.
const (
	sqlstateLockNotAvailable     = "55P03"
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateQueryCanceled        = "57014"
)

func retryableSQLState(code string) bool {
	switch code {
	case sqlstateLockNotAvailable, sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateQueryCanceled:
		return true
	}
	// class 08: connection exceptions
	return strings.HasPrefix(code, "08")
}

// IsRetryable reports whether err is a lock conflict, busy database or lost
// connection that may succeed if the operation is attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLState(pgErr.Code)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return retryableSQLState(string(pqErr.Code))
	}
	return false
}

// Classify wraps retryable errors as ledger.TransientError for op and
// annotates the rest with op.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if ledger.IsTransient(err) {
		return err
	}
	if IsRetryable(err) {
		return ledger.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ClassifyCommit classifies an error returned by COMMIT. A lost connection at
// that point leaves the transaction's fate unknown, so it is reported as a
// ledger.UnknownOutcomeError rather than a retryable one. Conflicts the server
// reports before committing stay transient.
func ClassifyCommit(op string, err error) error {
	if err == nil {
		return nil
	}
	if lostInFlight(err) {
		return ledger.Unknown(op, err)
	}
	return Classify(op, err)
}

func lostInFlight(err error) bool {
	// pgconn knows when the statement never reached the server.
	if pgconn.SafeToRetry(err) {
		return false
	}
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint failure.
func IsUniqueViolation(err error) bool {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Rollback rolls tx back, ignoring the error returned after a commit.
func Rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
