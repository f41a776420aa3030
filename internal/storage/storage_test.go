package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

func TestOpenSharesOneDatabase(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			cfg := config.CreditsConfig{DatabaseDriver: driver, DatabasePath: filepath.Join(t.TempDir(), "credits.db")}
			stores, err := Open(cfg)
			require.NoError(t, err)
			defer stores.Close()

			ctx := context.Background()
			at := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
			_, err = stores.Identities.Create(ctx, "u1", "", at)
			require.NoError(t, err)
			created, err := stores.Ledger.Create(ctx, "u1", 10, at)
			require.NoError(t, err)
			require.True(t, created)

			removed, err := stores.Identities.Delete(ctx, "u1")
			require.NoError(t, err)
			require.True(t, removed)
			_, err = stores.Ledger.Get(ctx, "u1")
			require.ErrorIs(t, err, ledger.ErrNotFound)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.CreditsConfig{DatabaseDriver: "mysql"})
	require.Error(t, err)
}
