package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bourse/internal/api"
	"bourse/internal/audit"
	"bourse/internal/config"
	"bourse/internal/db"
	"bourse/internal/ledger"
	"bourse/internal/logging"
	"bourse/internal/market"
	"bourse/internal/notify"
	"bourse/internal/scheduler"
	"bourse/internal/store"
	"bourse/internal/store/memory"
	"bourse/internal/store/postgres"
	"bourse/internal/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	}, os.Stdout)
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bourse api failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.APIConfig, logger *slog.Logger) error {
	rules := config.DefaultRules()
	if cfg.RulesFile != "" {
		loaded, err := config.LoadRules(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		rules = loaded
	}

	repo, closeRepo, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo.Close()

	led := ledger.NewService(repo, logger, ledger.Options{
		BatchSize: rules.CommitBatchSize,
		Retries:   rules.CommitRetries,
		Backoff:   rules.CommitBackoff,
	})
	if cfg.AuditDir != "" {
		rec := audit.NewRecorder(cfg.AuditDir, logger)
		defer rec.Close()
		led.SetRecorder(rec)
	}

	hub := notify.NewHub(logger, 0)
	mkt, err := market.New(repo, market.Options{Rules: rules, Ledger: led, Bus: hub, Logger: logger})
	if err != nil {
		return fmt.Errorf("market engine: %w", err)
	}
	engine := scheduler.NewEngine(repo, scheduler.Options{Rules: rules, Bus: hub, Logger: logger})
	engine.Hooks().RegisterMarket(mkt)

	manager := scheduler.NewManager(engine, scheduler.NewReadiness(cfg.ReadinessCapacity), logger)
	defer manager.Shutdown()
	if cfg.RecoverOnStart {
		if _, err := manager.Recover(ctx); err != nil {
			return fmt.Errorf("recover games: %w", err)
		}
	}

	server := api.New(cfg, logger, api.Deps{Repo: repo, Market: mkt, Manager: manager, Hub: hub})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("bourse api listening", "addr", cfg.Addr, "store", cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openStore(ctx context.Context, cfg config.APIConfig, logger *slog.Logger) (store.Repository, io.Closer, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{})
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db migrate: %w", err)
		}
		return postgres.New(pool, logger), closerFunc(func() error { pool.Close(); return nil }), nil
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, s, nil
	default:
		logger.Warn("memory store selected; games do not survive a restart")
		return memory.New(), closerFunc(func() error { return nil }), nil
	}
}
