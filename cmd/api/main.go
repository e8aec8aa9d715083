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

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/creatordeals/backend/internal/audit"
	"github.com/creatordeals/backend/internal/auth"
	"github.com/creatordeals/backend/internal/cache"
	"github.com/creatordeals/backend/internal/config"
	"github.com/creatordeals/backend/internal/dashboard"
	"github.com/creatordeals/backend/internal/database"
	"github.com/creatordeals/backend/internal/deals"
	"github.com/creatordeals/backend/internal/handlers"
	"github.com/creatordeals/backend/internal/ledger"
	"github.com/creatordeals/backend/internal/notify"
	"github.com/creatordeals/backend/internal/repository"
	"github.com/creatordeals/backend/internal/router"
	"github.com/creatordeals/backend/internal/services"
	"github.com/creatordeals/backend/internal/validation"
	"github.com/creatordeals/backend/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
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

	validator, err := validation.New()
	if err != nil {
		slog.Error("Request schemas failed to compile", "error", err)
		os.Exit(1)
	}

	// Ledger
	retry := database.DefaultRetryConfig()
	retry.MaxRetries = cfg.TxMaxRetries
	txRunner := database.NewTxRunner(pool, retry)
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), txRunner)

	// Balance projection; without Redis the ledger serves reads directly.
	var (
		balances    dashboard.BalanceReader = ledgerSvc
		invalidator services.BalanceInvalidator
		dashCache   dashboard.BalanceInvalidator
	)
	if len(cfg.RedisAddrs) > 0 {
		rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: cfg.RedisAddrs})
		defer rdb.Close()
		bc := cache.NewBalanceCache(rdb, ledgerSvc, cfg.BalanceCacheTTL, logger)
		balances, invalidator, dashCache = bc, bc, bc
		slog.Info("Balance cache enabled", "addrs", cfg.RedisAddrs)
	}

	// Counterparty notifications
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.NotifyTopic)
		if err != nil {
			slog.Error("Failed to create Kafka client", "error", err)
			os.Exit(1)
		}
		defer kn.Close()
		notifier = kn
		slog.Info("Kafka notifications enabled", "topic", cfg.NotifyTopic)
	}

	// Side-effect workers
	auditRepo := audit.NewRepository(pool)
	workers := river.NewWorkers()
	river.AddWorker(workers, worker.NewAuditWorker(auditRepo))
	river.AddWorker(workers, worker.NewNotifyWorker(notifier, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			worker.QueueSideEffects: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// Accounts & deals
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	if cfg.AdminEmail != "" {
		if _, err := authSvc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			slog.Error("Failed to provision admin account", "error", err)
			os.Exit(1)
		}
	}
	dealRepo := deals.NewRepository(pool)
	dealSvc := deals.NewService(dealRepo, authRepo, logger)

	// Escrow lifecycle
	escrowSvc := services.NewEscrowService(services.Deps{
		Ledger:     ledgerSvc,
		Tx:         txRunner,
		Invoices:   repository.NewInvoiceRepo(pool),
		Escrows:    repository.NewEscrowRepo(pool),
		Deals:      dealRepo,
		Disputes:   repository.NewDisputeRepo(pool),
		Effects:    worker.NewDispatcher(riverClient),
		Balances:   invalidator,
		AuditTrail: auditRepo,
	}, cfg.PlatformFeeRate, logger)
	reconciler := services.NewReconciler(repository.NewReconcileRepo(pool), logger)

	api := router.New(router.Handlers{
		Auth:      auth.NewHandler(authSvc, validator, logger),
		Dashboard: dashboard.NewHandler(authSvc, balances, ledgerSvc, dashCache, validator, logger),
		Deals:     deals.NewHandler(dealSvc, validator, logger),
		Escrows: &handlers.EscrowHandler{
			Escrows:    escrowSvc,
			Reconciler: reconciler,
			Validator:  validator,
			Logger:     logger,
		},
	}, authSvc)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(api)

	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}
