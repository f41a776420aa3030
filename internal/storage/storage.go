// Package storage opens the identity and ledger stores for the configured
// database driver.
package storage

import (
	"errors"
	"fmt"

	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/dbutil"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	ledgermem "github.com/tokligence/tokligence-credits/internal/ledger/memory"
	ledgerpg "github.com/tokligence/tokligence-credits/internal/ledger/postgres"
	ledgersql "github.com/tokligence/tokligence-credits/internal/ledger/sqlite"
	"github.com/tokligence/tokligence-credits/internal/userstore"
	identmem "github.com/tokligence/tokligence-credits/internal/userstore/memory"
	identpg "github.com/tokligence/tokligence-credits/internal/userstore/postgres"
	identsql "github.com/tokligence/tokligence-credits/internal/userstore/sqlite"
)

// Stores pairs the two stores opened against one database.
type Stores struct {
	Identities userstore.Store
	Ledger     ledger.Store
	Driver     string
}

// Open creates both stores. The identity store goes first because the ledger
// tables reference it.
func Open(cfg config.CreditsConfig) (*Stores, error) {
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		idents := identmem.New()
		store := ledgermem.New(ledgermem.WithIdentityCheck(idents.Exists))
		idents.OnDelete(store.Forget)
		return &Stores{Identities: idents, Ledger: store, Driver: cfg.DatabaseDriver}, nil

	case config.DriverSQLite, "":
		idents, err := identsql.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open identity store: %w", err)
		}
		store, err := ledgersql.New(cfg.DatabasePath)
		if err != nil {
			_ = idents.Close()
			return nil, fmt.Errorf("open ledger store: %w", err)
		}
		return &Stores{Identities: idents, Ledger: store, Driver: config.DriverSQLite}, nil

	case config.DriverPostgres:
		pool := dbutil.Pool{
			MaxOpen:         cfg.DBMaxOpenConns,
			MaxIdle:         cfg.DBMaxIdleConns,
			LifetimeMinutes: cfg.DBConnMaxLifetime,
			IdleTimeMinutes: cfg.DBConnMaxIdleTime,
		}
		idents, err := identpg.New(cfg.DatabaseDSN, pool)
		if err != nil {
			return nil, fmt.Errorf("open identity store: %w", err)
		}
		store, err := ledgerpg.New(cfg.DatabaseDSN, pool)
		if err != nil {
			_ = idents.Close()
			return nil, fmt.Errorf("open ledger store: %w", err)
		}
		store.SetLockTimeout(cfg.LockTimeout)
		return &Stores{Identities: idents, Ledger: store, Driver: cfg.DatabaseDriver}, nil
	}
	return nil, fmt.Errorf("unsupported database_driver %q", cfg.DatabaseDriver)
}

// Close releases the ledger before the identity store.
func (s *Stores) Close() error {
	return errors.Join(s.Ledger.Close(), s.Identities.Close())
}
