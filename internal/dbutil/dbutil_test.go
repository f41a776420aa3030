package dbutil

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), true},
		{"bad conn", driver.ErrBadConn, true},
		{"lock timeout pgx", &pgconn.PgError{Code: "55P03"}, true},
		{"serialization pq", &pq.Error{Code: "40001"}, true},
		{"connection class", &pgconn.PgError{Code: "08006"}, true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestClassify(t *testing.T) {
	require.NoError(t, Classify("op", nil))

	err := Classify("consume", &pgconn.PgError{Code: "40P01"})
	require.True(t, ledger.IsTransient(err))

	err = Classify("consume", errors.New("syntax"))
	require.False(t, ledger.IsTransient(err))
	require.Contains(t, err.Error(), "consume")

	already := ledger.Transient("x", errors.New("y"))
	require.Same(t, already, Classify("z", already))
}

func TestClassifyCommit(t *testing.T) {
	require.NoError(t, ClassifyCommit("consume", nil))

	for _, lost := range []error{
		driver.ErrBadConn,
		fmt.Errorf("commit: %w", context.DeadlineExceeded),
		&pgconn.PgError{Code: "08006"},
		&pq.Error{Code: "08003"},
	} {
		err := ClassifyCommit("consume", lost)
		require.Truef(t, ledger.IsOutcomeUnknown(err), "%v", lost)
		require.Falsef(t, ledger.IsTransient(err), "%v must not be retried", lost)
	}

	err := ClassifyCommit("consume", &pgconn.PgError{Code: "40001"})
	require.True(t, ledger.IsTransient(err))
	require.False(t, ledger.IsOutcomeUnknown(err))

	err = ClassifyCommit("consume", errors.New("boom"))
	require.False(t, ledger.IsTransient(err))
	require.False(t, ledger.IsOutcomeUnknown(err))
}

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN("/tmp/credits.db")
	require.True(t, strings.HasPrefix(dsn, "file:/tmp/credits.db?"))
	require.Contains(t, dsn, "_txlock=immediate")
	require.Contains(t, dsn, "foreign_keys%281%29")
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUniqueViolation(errors.New("x")))
}
