package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokligence/tokligence-credits/internal/balancecache"
	"github.com/tokligence/tokligence-credits/internal/bootstrap"
	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/jobs"
	"github.com/tokligence/tokligence-credits/internal/logging"
	"github.com/tokligence/tokligence-credits/internal/storage"
	"github.com/tokligence/tokligence-credits/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "init":
		if err = runInit(args); err == nil {
			fmt.Println("credits config initialised")
		}
	case "daily", "reset", "prune":
		err = runJob(cmd, args)
	case "balance", "history", "delete":
		err = runIdentity(cmd, args)
	case "version":
		fmt.Println(version.FullInfo())
	case "help", "--help", "-h":
		printUsage()
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("creditctl %s failed: %v", cmd, err)
	}
}

func printUsage() {
	fmt.Print(`Tokligence Credits CLI

Usage:
  creditctl init [flags]                 Generate config/setting.ini, credits.ini and policy.yaml
  creditctl daily                        Prune stale anonymous identities, then reset balances
  creditctl reset [--as-of RFC3339]      Reset balances not yet reset for the day
  creditctl prune [--older-than 24h]     Delete stale anonymous identities
  creditctl balance <user-id>            Show the balance row
  creditctl history [--limit N] <user-id> Show the latest audit entries
  creditctl delete <user-id>             Delete an identity with its balance and audit trail
  creditctl version

Flags for init:
  --root string            output directory (default '.')
  --env string             environment name (default 'dev')
  --http-address string    bind address for creditsd (default ':8090')
  --driver string          sqlite, postgres or memory (default 'sqlite')
  --db-path string         SQLite path (default ~/.tokligence/credits.db)
  --dsn string             Postgres DSN
  --anonymous int          daily allowance for anonymous identities (default 10)
  --registered int         daily allowance for registered identities (default 50)
  --admin-token string     admin token (generated when empty)
  --force                  overwrite existing files

Every command except init reads the config under --root (default '.').
`)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String("root", ".", "config root")
	env := fs.String("env", "dev", "environment name")
	httpAddr := fs.String("http-address", ":8090", "creditsd HTTP bind address")
	driver := fs.String("driver", config.DriverSQLite, "database driver")
	dbPath := fs.String("db-path", "", "sqlite path")
	dsn := fs.String("dsn", "", "postgres dsn")
	anonymous := fs.Int64("anonymous", 10, "anonymous daily allowance")
	registered := fs.Int64("registered", 50, "registered daily allowance")
	adminToken := fs.String("admin-token", "", "admin token")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return bootstrap.Init(bootstrap.InitOptions{
		Root:                *root,
		Environment:         *env,
		HTTPAddress:         *httpAddr,
		DatabaseDriver:      *driver,
		DatabasePath:        *dbPath,
		DatabaseDSN:         *dsn,
		AnonymousAllowance:  *anonymous,
		RegisteredAllowance: *registered,
		AdminToken:          *adminToken,
		Force:               *force,
	})
}

// env is the wiring shared by the store-backed commands.
type env struct {
	cfg    config.CreditsConfig
	stores *storage.Stores
	cache  *balancecache.Cache
	logger *logging.Leveled
	close  func()
}

func openEnv(root string) (*env, error) {
	cfg, err := config.LoadCreditsConfig(root)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseDriver == config.DriverMemory {
		return nil, errors.New("the memory driver keeps no state between processes")
	}

	var logOutput io.Writer = os.Stderr
	var closers []func()
	if target := strings.TrimSpace(cfg.LogFileCLI); target != "" && target != "-" {
		rot, err := logging.NewRotatingWriter(target, 50*1024*1024)
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		closers = append(closers, func() { _ = rot.Close() })
		logOutput = io.MultiWriter(os.Stderr, rot)
	}
	logger := logging.New(logOutput, fmt.Sprintf("[creditctl][%s] ", cfg.Environment), cfg.LogLevel)

	stores, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { _ = stores.Close() })

	// Publish invalidations to running daemons when they share a Redis bus.
	var bus balancecache.Bus
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		bus = balancecache.NewRedisBus(rdb, balancecache.DefaultChannel, logger)
		closers = append(closers, func() { _ = bus.Close(); _ = rdb.Close() })
	}
	cache, err := balancecache.New(balancecache.Options{Bus: bus, Origin: "creditctl", Logger: logger})
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:    cfg,
		stores: stores,
		cache:  cache,
		logger: logger,
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func runJob(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	root := fs.String("root", ".", "config root")
	asOf := fs.String("as-of", "", "reset reference time (RFC3339)")
	olderThan := fs.Duration("older-than", 0, "prune identities older than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := openEnv(*root)
	if err != nil {
		return err
	}
	defer e.close()

	runner, err := jobs.NewRunner(jobs.Options{
		Ledger:     e.stores.Ledger,
		Identities: e.stores.Identities,
		Policy:     e.cfg.Policy,
		BatchSize:  e.cfg.ResetBatchSize,
		Cache:      e.cache,
		Hooks:      e.cfg.Hooks.BuildDispatcher(),
		Logger:     e.logger,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch cmd {
	case "daily":
		report, err := runner.RunDaily(ctx)
		printJSON(report)
		return err
	case "reset":
		at := time.Now().UTC()
		if *asOf != "" {
			if at, err = time.Parse(time.RFC3339, *asOf); err != nil {
				return fmt.Errorf("invalid --as-of: %w", err)
			}
		}
		report, err := runner.ResetAll(ctx, at)
		printJSON(report)
		return err
	default:
		report, err := runner.PruneStaleAnonymous(ctx, *olderThan)
		printJSON(report)
		return err
	}
}

func runIdentity(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	root := fs.String("root", ".", "config root")
	limit := fs.Int("limit", credits.DefaultHistoryLimit, "history entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: creditctl %s <user-id>", cmd)
	}
	userID := fs.Arg(0)

	e, err := openEnv(*root)
	if err != nil {
		return err
	}
	defer e.close()

	prices, err := credits.NewPriceTable(e.cfg.ActionPrices)
	if err != nil {
		return err
	}
	svc, err := credits.New(credits.Deps{
		Ledger:     e.stores.Ledger,
		Identities: e.stores.Identities,
		Policy:     e.cfg.Policy,
		Prices:     prices,
		Cache:      e.cache,
		Hooks:      e.cfg.Hooks.BuildDispatcher(),
		Logger:     e.logger,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch cmd {
	case "balance":
		bal, err := svc.Reader.Balance(ctx, userID)
		if err != nil {
			return err
		}
		printJSON(bal)
	case "history":
		entries, err := svc.Reader.History(ctx, userID, *limit)
		if err != nil {
			return err
		}
		printJSON(entries)
	case "delete":
		removed, err := svc.Lifecycle.OnIdentityDeleted(ctx, userID)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("identity %s not found", userID)
		}
		fmt.Printf("deleted %s\n", userID)
	}
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
