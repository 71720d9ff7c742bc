package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/stampdeck/backend/internal/auth"
	"github.com/stampdeck/backend/internal/config"
	"github.com/stampdeck/backend/internal/database"
	"github.com/stampdeck/backend/internal/guard"
	"github.com/stampdeck/backend/internal/issuance"
	"github.com/stampdeck/backend/internal/ledger"
	"github.com/stampdeck/backend/internal/middleware"
	"github.com/stampdeck/backend/internal/migration"
	"github.com/stampdeck/backend/internal/redemption"
	"github.com/stampdeck/backend/internal/router"
	"github.com/stampdeck/backend/internal/store"
	"github.com/stampdeck/backend/internal/sweeper"
	"github.com/stampdeck/backend/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		slog.Error("Schema migrations failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	g := guard.NewPG(pool, cfg.LockWait)

	// Ledger and registry
	eventRepo := ledger.NewRepository(pool)
	cardRepo := ledger.NewCardRepository(pool)
	storeRepo := store.NewRepository(pool)
	ledgerSvc := ledger.NewService(eventRepo, cardRepo, storeRepo, g)

	// Workflows
	sessionRepo := redemption.NewSessionRepository(pool)
	rewardRepo := redemption.NewRewardRepository(pool)
	redemptionSvc := redemption.NewService(sessionRepo, rewardRepo, cardRepo, storeRepo, ledgerSvc, g,
		cfg.RedeemSessionTTL, cfg.RewardTTL, logger)

	issuanceRepo := issuance.NewRepository(pool)
	issuanceSvc := issuance.NewService(issuanceRepo, cardRepo, storeRepo, ledgerSvc, redemptionSvc, g,
		cfg.IssuanceTTL, logger)

	migrationRepo := migration.NewRepository(pool)
	migrationSvc := migration.NewService(migrationRepo, cardRepo, storeRepo, ledgerSvc, redemptionSvc, g, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret, cfg.OwnerTokenTTL)

	// HTTP surface
	authHandler := auth.NewHandler(authSvc, logger)
	storeHandler := store.NewHandler(storeRepo, ledgerSvc, logger)
	walletHandler := wallet.NewHandler(cardRepo, eventRepo, logger)
	issuanceHandler := issuance.NewHandler(issuanceSvc, logger)
	redemptionHandler := redemption.NewHandler(redemptionSvc, logger)
	migrationHandler := migration.NewHandler(migrationSvc, logger)

	limiter := middleware.NewRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	apiRouter := router.New(authHandler, storeHandler, walletHandler, issuanceHandler,
		redemptionHandler, migrationHandler, authSvc, limiter)

	// Background expiry sweep
	sweepSvc := sweeper.NewService(issuanceRepo, rewardRepo, logger)
	workers := river.NewWorkers()
	river.AddWorker(workers, sweeper.NewWorker(sweepSvc))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{sweeper.PeriodicJob(cfg.SweepInterval)},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.WalletHeader},
		AllowCredentials: true,
	}).Handler(apiRouter)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	slog.Info("Starting HTTP server", "addr", addr)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
