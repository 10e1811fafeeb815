// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketplace-purchase-saga/internal/application"
	"marketplace-purchase-saga/internal/config"
	"marketplace-purchase-saga/internal/domain/ports/adapter"
	"marketplace-purchase-saga/internal/domain/ports/repository"
	"marketplace-purchase-saga/internal/infra/adapters/backend"
	tele "marketplace-purchase-saga/internal/infra/adapters/telegram"
	"marketplace-purchase-saga/internal/infra/api"
	"marketplace-purchase-saga/internal/infra/api/auth"
	pg "marketplace-purchase-saga/internal/infra/db/postgres"
	"marketplace-purchase-saga/internal/infra/db/sqlite"
	"marketplace-purchase-saga/internal/infra/i18n"
	"marketplace-purchase-saga/internal/infra/logging"
	"marketplace-purchase-saga/internal/infra/metrics"
	"marketplace-purchase-saga/internal/infra/notify"
	red "marketplace-purchase-saga/internal/infra/redis"
	"marketplace-purchase-saga/internal/infra/sched"
	"marketplace-purchase-saga/internal/infra/worker"
	"marketplace-purchase-saga/internal/usecase"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, noop backend allowed)")
	flag.Parse()

	// .env is optional; real environment wins.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("dev mode enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, cfg.Store.Driver)

	// ---- Redis (store and/or shared debounce) ----
	var redisClient *red.Client
	if cfg.Store.Driver == "redis" || cfg.Redis.Debounce {
		redisClient, err = red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer redisClient.Close()
	}

	// ---- Intent store ----
	intents, closeStore, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()
	logger.Info().Str("driver", cfg.Store.Driver).Msg("intent store ready")

	// ---- Marketplace backend ----
	var be adapter.Backend
	if cfg.Backend.Noop {
		logger.Warn().Msg("using in-memory noop backend")
		be = backend.NewNoopBackend()
	} else {
		be = backend.NewRESTClient(cfg.Backend.BaseURL, cfg.Backend.AccessToken, cfg.Backend.Timeout, logger)
	}

	// ---- Messages & notifiers ----
	msgs, err := i18n.NewDefault(cfg.Notify.Locale)
	if err != nil {
		log.Fatalf("i18n: %v", err)
	}
	inbox := notify.NewInbox(cfg.Notify.Inbox)
	notifiers := notify.Fanout{notify.NewLogNotifier(logger), inbox}
	if cfg.Notify.Telegram.Token != "" {
		tn, err := tele.NewNotifier(cfg.Notify.Telegram, logger)
		if err != nil {
			log.Fatalf("telegram: %v", err)
		}
		notifiers = append(notifiers, tn)
	}

	var debouncer adapter.Debouncer = usecase.NewMemoryDebouncer()
	if cfg.Redis.Debounce {
		debouncer = red.NewDebouncer(redisClient, "saga")
	}

	// ---- Usecases ----
	opts := usecase.SagaOptions{
		ExpiryWindow:   cfg.Saga.ExpiryWindow,
		ReturnURL:      cfg.Saga.ReturnURL,
		Precheck:       usecase.RetryPolicy{Attempts: cfg.Saga.PrecheckAttempts, Interval: cfg.Saga.PrecheckBackoff},
		Reconcile:      usecase.RetryPolicy{Attempts: cfg.Saga.ReconcileAttempts, Interval: cfg.Saga.ReconcileInterval},
		DebounceWindow: cfg.Saga.DebounceWindow,
		Now:            time.Now,
	}
	// The HTTP client performs the redirect itself, so no navigator here.
	purchaseUC := usecase.NewPurchaseUseCase(intents, be, nil, notifiers, debouncer, msgs, opts, logger)
	entitlements := usecase.NewEntitlementChecker(be, opts.Precheck, logger)
	facade := application.NewPurchaseFacade(purchaseUC, entitlements, inbox, msgs)

	// ---- Startup resume ----
	pool := worker.NewPool(cfg.Saga.StartupWorkers, logger)
	pool.Start(ctx)
	defer pool.Stop()
	resumer := sched.NewStartupResumer(intents, purchaseUC, pool, logger)
	if n, err := resumer.ResumeAll(ctx); err != nil {
		logger.Error().Err(err).Msg("startup resume")
	} else if n > 0 {
		logger.Info().Int("users", n).Msg("resumed pending intents")
	}

	// ---- Sweeper ----
	sweeper := sched.NewSweeper(intents, cfg.Saga.SweepInterval, cfg.Saga.ExpiryWindow, cfg.Saga.Retention, logger)
	go sweeper.Run(ctx)

	// ---- HTTP API ----
	authm := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	srv := api.NewServer(facade, authm, cfg.HTTP.WriteTimeout, logger)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Str("return_url", cfg.Saga.ReturnURL).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown requested")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
}

func openStore(ctx context.Context, cfg *config.Config, rc *red.Client) (repository.IntentRepository, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pg.Connect(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg.NewIntentRepo(pool), pool.Close, nil
	case "redis":
		return red.NewIntentRepo(rc, "saga", cfg.Redis.TTL), func() {}, nil
	default:
		db, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return sqlite.NewIntentRepo(db), func() { _ = sqlite.Close(db) }, nil
	}
}
