package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/balancecache"
	"github.com/tokligence/tokligence-credits/internal/config"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/health"
	"github.com/tokligence/tokligence-credits/internal/httpserver"
	"github.com/tokligence/tokligence-credits/internal/jobs"
	"github.com/tokligence/tokligence-credits/internal/logging"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/ratelimit"
	"github.com/tokligence/tokligence-credits/internal/storage"
	"github.com/tokligence/tokligence-credits/internal/version"
)

const (
	maxLogBytes     = int64(300 * 1024 * 1024) // 300MB
	rateLimitPrefix = "credits:ratelimit:"
)

func main() {
	root := flag.String("root", ".", "config root")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.FullInfo())
		return
	}

	cfg, err := config.LoadCreditsConfig(*root)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	var logOutput io.Writer = os.Stdout
	if target := strings.TrimSpace(cfg.LogFileDaemon); target != "" && target != "-" {
		rot, err := logging.NewRotatingWriter(target, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		defer rot.Close()
		// Mirror to stdout for foreground runs.
		logOutput = io.MultiWriter(os.Stdout, rot)
	}
	log.SetOutput(logOutput)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[creditsd] ")
	newLogger := func(component string) *logging.Leveled {
		return logging.New(logOutput, fmt.Sprintf("[creditsd/%s][%s] ", component, cfg.Environment), cfg.LogLevel)
	}

	if err := run(cfg, newLogger); err != nil {
		log.Fatalf("creditsd: %v", err)
	}
}

func run(cfg config.CreditsConfig, newLogger func(string) *logging.Leveled) error {
	logger := newLogger("main")
	logger.Infof("starting creditsd %s env=%s driver=%s", version.Info(), cfg.Environment, cfg.DatabaseDriver)

	stores, err := storage.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warnf("close stores: %v", err)
		}
	}()

	clock := quartz.NewReal()
	collector := metrics.NewCollector()
	hookDispatcher := cfg.Hooks.BuildDispatcher()

	probes := []health.Probe{
		{Name: "identities", Type: "database", Critical: true, Target: stores.Identities},
		{Name: "ledger", Type: "database", Critical: true, Target: stores.Ledger},
	}
	var bus balancecache.Bus
	var limiterStore ratelimit.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		bus = balancecache.NewRedisBus(rdb, balancecache.DefaultChannel, newLogger("bus"))
		limiterStore = ratelimit.NewRedisStore(rdb, rateLimitPrefix, clock)
		probes = append(probes, health.Probe{
			Name: "redis", Type: "cache",
			Target: health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		})
		logger.Infof("redis enabled at %s: cross-instance invalidation and shared rate limits", cfg.RedisAddr)
	} else {
		bus = balancecache.NewLocalBus()
		limiterStore = ratelimit.NewMemoryStoreWithCleanup(clock, 5*time.Minute)
	}
	defer bus.Close()

	cache, err := balancecache.New(balancecache.Options{
		TTL:     cfg.CacheTTL,
		Size:    cfg.CacheSize,
		Clock:   clock,
		Bus:     bus,
		Origin:  "creditsd-" + uuid.NewString(),
		Metrics: collector,
		Logger:  newLogger("cache"),
	})
	if err != nil {
		return err
	}

	prices, err := credits.NewPriceTable(cfg.ActionPrices)
	if err != nil {
		return err
	}
	svc, err := credits.New(credits.Deps{
		Ledger:     stores.Ledger,
		Identities: stores.Identities,
		Policy:     cfg.Policy,
		Prices:     prices,
		Cache:      cache,
		Hooks:      hookDispatcher,
		Metrics:    collector,
		Clock:      clock,
		Logger:     newLogger("credits"),
	})
	if err != nil {
		return err
	}

	runner, err := jobs.NewRunner(jobs.Options{
		Ledger:     stores.Ledger,
		Identities: stores.Identities,
		Policy:     cfg.Policy,
		BatchSize:  cfg.ResetBatchSize,
		Cache:      cache,
		Hooks:      hookDispatcher,
		Metrics:    collector,
		Clock:      clock,
		Logger:     newLogger("jobs"),
	})
	if err != nil {
		return err
	}
	scheduler, err := jobs.NewScheduler(runner, cfg.ResetSchedule, cfg.RunOnStart, newLogger("scheduler"))
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Store:             limiterStore,
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             float64(cfg.RateLimitBurst),
		Logger:            newLogger("ratelimit"),
	})
	defer limiter.Close()

	if cfg.AdminToken == "" {
		logger.Warnf("admin_token not set: identity webhooks and admin endpoints are disabled")
	}
	if cfg.ExposeChallengeCodes {
		logger.Warnf("expose_challenge_codes is on: upgrade codes are returned in API responses")
	}
	srv, err := httpserver.New(httpserver.Options{
		Credits:              svc,
		Identities:           stores.Identities,
		Auth:                 auth.NewManager(cfg.AuthSecret, clock),
		Jobs:                 runner,
		Bus:                  bus,
		Limiter:              limiter,
		Health:               health.New(health.Config{Probes: probes, Clock: clock}),
		Metrics:              collector,
		Hooks:                hookDispatcher,
		AdminToken:           cfg.AdminToken,
		TokenTTL:             cfg.TokenTTL,
		ExposeChallengeCodes: cfg.ExposeChallengeCodes,
		SecureCookies:        cfg.SecureCookies,
		Clock:                clock,
		Logger:               newLogger("http"),
	})
	if err != nil {
		return err
	}

	// WriteTimeout stays zero: the invalidation stream is long-lived.
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	httpSrv.RegisterOnShutdown(srv.CloseStreams)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("credits server listening on %s", cfg.HTTPAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error {
		// Without the bus, cache TTL alone bounds staleness.
		if err := cache.Listen(ctx); err != nil {
			logger.Warnf("cross-instance invalidation stopped: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("graceful shutdown failed: %v", err)
			return httpSrv.Close()
		}
		return nil
	})
	return g.Wait()
}
