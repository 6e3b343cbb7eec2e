package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hooksmith/hooksmith/internal/api"
	"github.com/hooksmith/hooksmith/internal/cleanup"
	"github.com/hooksmith/hooksmith/internal/config"
	"github.com/hooksmith/hooksmith/internal/dispatch"
	"github.com/hooksmith/hooksmith/internal/guard"
	"github.com/hooksmith/hooksmith/internal/health"
	"github.com/hooksmith/hooksmith/internal/recovery"
	"github.com/hooksmith/hooksmith/internal/registry"
	"github.com/hooksmith/hooksmith/internal/store"
)

func main() {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx := context.Background()

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	if err := pg.RunMigrations(ctx, cfg.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	rds, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rds.Close()

	reg := registry.New()
	if cfg.RegistryPath != "" {
		if err := reg.LoadFile(cfg.RegistryPath); err != nil {
			logger.Error("failed to load target registry", "error", err, "path", cfg.RegistryPath)
			os.Exit(1)
		}
		logger.Info("target registry loaded", "targets", len(reg.Names()))
	}

	dispatcher := dispatch.NewDispatcher(pg, cfg.NumWorkers, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	evaluator := health.NewEvaluator(pg, reg)
	manager := recovery.NewManager(pg, rds, cfg.BackupDir, logger)
	policy := cleanup.NewPolicy(pg, logger)
	gd := guard.New(rds.Client(), cfg.ManagementSecret, cfg.RateLimitPerMin, logger)

	// Drain any subscriptions the previous cache-resident deployment left
	// behind. Safe to run on every boot.
	if migrated, err := manager.MigrateLegacyCache(ctx); err != nil {
		logger.Warn("legacy cache migration failed", "error", err)
	} else if migrated > 0 {
		logger.Info("legacy subscriptions migrated", "count", migrated)
	}

	router := api.NewRouter(api.Deps{
		Store:      pg,
		Dispatcher: dispatcher,
		Evaluator:  evaluator,
		Recovery:   manager,
		Cleanup:    policy,
		Registry:   reg,
		Guard:      gd,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server starting", "port", cfg.Port, "workers", cfg.NumWorkers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCtx.Done()
	logger.Info("shutting down")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(timeoutCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}
