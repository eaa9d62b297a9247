package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/worklane/backend/internal/auth"
	"github.com/worklane/backend/internal/config"
	"github.com/worklane/backend/internal/contracts"
	"github.com/worklane/backend/internal/middleware"
	"github.com/worklane/backend/internal/milestones"
	"github.com/worklane/backend/internal/notifications"
	"github.com/worklane/backend/internal/payments"
	"github.com/worklane/backend/internal/repository"
	"github.com/worklane/backend/internal/router"
	"github.com/worklane/backend/internal/timelogs"
	"github.com/worklane/backend/migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

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

	// Schema migrations
	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		slog.Error("Schema migrations failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied")

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
	slog.Info("River migrations applied")

	db := repository.NewDB(pool)
	contractRepo := repository.NewContractRepo(pool)
	milestoneRepo := repository.NewMilestoneRepo(pool)
	timeLogRepo := repository.NewTimeLogRepo(pool)
	paymentRepo := repository.NewPaymentRepo(pool)
	transactionRepo := repository.NewTransactionRepo(pool)
	notificationRepo := notifications.NewRepository(pool)

	// Notifications: delivery runs through River, enqueued after the row is
	// stored. The insert func is wired once the client exists.
	workers := river.NewWorkers()
	river.AddWorker(workers, notifications.NewDeliverNotificationWorker(notificationRepo, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	enqueue := func(ctx context.Context, notificationID uuid.UUID) error {
		_, err := riverClient.Insert(ctx, notifications.DeliverNotificationArgs{NotificationID: notificationID}, nil)
		return err
	}
	notifier := notifications.NewService(notificationRepo, enqueue, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	// Escrow ledger engine
	paymentSvc := payments.NewService(db, contractRepo, milestoneRepo, timeLogRepo,
		paymentRepo, transactionRepo, payments.InstantSettler{}, notifier, cfg.PlatformFeeBps, logger)

	contractSvc := contracts.NewService(db, contractRepo, milestoneRepo, paymentSvc, notifier, logger)
	milestoneSvc := milestones.NewService(db, contractRepo, milestoneRepo, paymentSvc, notifier, logger)
	timeLogSvc := timelogs.NewService(db, contractRepo, timeLogRepo, paymentSvc, notifier, logger)

	apiRouter := router.New(router.Handlers{
		Auth:          authHandler,
		Contracts:     contracts.NewHandler(contractSvc, logger),
		Milestones:    milestones.NewHandler(milestoneSvc, logger),
		TimeLogs:      timelogs.NewHandler(timeLogSvc, logger),
		Payments:      payments.NewHandler(paymentSvc, logger),
		Notifications: notifications.NewHandler(notificationRepo, logger),
	}, middleware.JWTAuth(authSvc, authRepo))

	mux := http.NewServeMux()
	mux.Handle("/api/", apiRouter)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (delivers notifications)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
