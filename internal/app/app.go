package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adeyemio/fxrail/internal/api"
	"github.com/adeyemio/fxrail/internal/config"
	"github.com/adeyemio/fxrail/internal/db"
	"github.com/adeyemio/fxrail/internal/domain"
	"github.com/adeyemio/fxrail/internal/gateway"
	"github.com/adeyemio/fxrail/internal/idempotency"
	"github.com/adeyemio/fxrail/internal/observability"
	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/adeyemio/fxrail/internal/service"
	"github.com/adeyemio/fxrail/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server and background workers, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := repository.NewStore(pool)
	idemStore := idempotency.NewStore(redisClient, pool, cfg.IdempotencyTTL)

	// Gateway wiring. Sandbox providers take the place of real rails only
	// when the environment says so; production without real adapters is a
	// startup error, not a silent fallback.
	if !cfg.IsSandbox() {
		return fmt.Errorf("environment %q has no gateway adapters configured", cfg.Environment)
	}
	sandbox := gateway.NewSandboxSet([]string{
		domain.NetworkEthereum, domain.NetworkTron, domain.NetworkStellar,
	})

	ledgerSvc := service.NewLedgerService(store)
	timelineSvc := service.NewTimelineService(store)
	feeRuleSvc := service.NewFeeRuleService(store)
	settlementSvc := service.NewSettlementService(store, sandbox.Registry, service.TrackerConfig{
		Thresholds:       cfg.ConfirmationThresholds,
		DefaultThreshold: 12,
		MaxWait:          cfg.ConfirmationMaxWait,
		MaxPollRetries:   cfg.ConfirmationMaxRetries,
	})
	transferSvc := service.NewTransferService(service.TransferServiceDeps{
		Store:         store,
		Ledger:        ledgerSvc,
		Timeline:      timelineSvc,
		FeeRules:      feeRuleSvc,
		Settlements:   settlementSvc,
		Rates:         sandbox.Rates,
		Liquidity:     sandbox.Liquidity,
		Beneficiaries: sandbox.Beneficiaries,
		Registry:      sandbox.Registry,
		Retry: service.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    10 * time.Second,
		},
		SagaTimeout: cfg.SagaTimeout,
	})
	settlementSvc.BindHooks(transferSvc)
	reconciliationSvc := service.NewReconciliationService(store)

	confirmationWorker := worker.NewConfirmationWorker(settlementSvc).
		WithPollInterval(cfg.ConfirmationPollInterval).
		WithBatchSize(cfg.ConfirmationBatchSize)
	recoveryWorker := worker.NewRecoveryWorker(transferSvc).
		WithInterval(cfg.RecoveryInterval).
		WithStaleAge(cfg.RecoveryStaleAge)
	reconciliationWorker := worker.NewReconciliationWorker(reconciliationSvc).
		WithInterval(cfg.ReconciliationInterval)

	stopConfirmation := confirmationWorker.Run(ctx)
	stopRecovery := recoveryWorker.Run(ctx)
	stopReconciliation := reconciliationWorker.Run(ctx)

	router := api.NewRouter(api.RouterDeps{
		DB:          pool,
		Redis:       redisClient,
		Transfers:   transferSvc,
		Ledger:      ledgerSvc,
		FeeRules:    feeRuleSvc,
		Idempotency: idemStore,
		Logger:      logger,
		PublicRPS:   cfg.PublicRateLimitRPS,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			zap.String("port", cfg.HTTPPort),
			zap.String("environment", cfg.Environment))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopConfirmation()
	stopRecovery()
	stopReconciliation()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("draining in-flight sagas")
	transferSvc.Drain()

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
