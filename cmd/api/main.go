package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/spf13/viper"

	"github.com/skillmatch/backend/internal/config"
	"github.com/skillmatch/backend/internal/db"
	"github.com/skillmatch/backend/internal/escrow"
	"github.com/skillmatch/backend/internal/gateway"
	"github.com/skillmatch/backend/internal/ledger"
	"github.com/skillmatch/backend/internal/workers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	if err == nil {
		err = cfg.RequireServer()
	}
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := db.Migrate(ctx, pool, logger); err != nil {
		slog.Error("Migrations failed", "error", err)
		os.Exit(1)
	}

	// Jobs: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn escrow.EnqueueVoidTxFunc
	enqueueVoid := func(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, paymentID)
	}

	gw := gateway.NewStripe(gateway.StripeConfig{
		SecretKey:  cfg.StripeSecretKey,
		HTTPClient: &http.Client{Timeout: cfg.GatewayTimeout + 5*time.Second},
		Logger:     logger,
	})
	escrowSvc := escrow.NewService(pool, ledger.NewRepository(pool), gw, enqueueVoid, escrow.Config{
		GatewayTimeout: cfg.GatewayTimeout,
		Logger:         logger,
	})

	riverWorkers := river.NewWorkers()
	workers.Register(riverWorkers, escrowSvc, cfg.ReconcileStaleAfter, logger)

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers:      riverWorkers,
		PeriodicJobs: []*river.PeriodicJob{workers.PeriodicReconcile(cfg.ReconcileInterval)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) error {
		_, err := riverClient.InsertTx(ctx, tx, workers.VoidHoldArgs{PaymentID: paymentID}, nil)
		return err
	}
	insertMu.Unlock()

	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           buildHandler(cfg, escrowSvc, pool, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River client stop failed", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
