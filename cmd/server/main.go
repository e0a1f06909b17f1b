package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailsched/internal/api"
	"mailsched/internal/config"
	"mailsched/internal/db"
	"mailsched/internal/dispatch"
	"mailsched/internal/email"
	"mailsched/internal/metrics"
	"mailsched/internal/scheduler"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Email Transport
	// ------------------------------------------------
	var transport email.Transport
	switch cfg.Transport {
	case "smtp":
		transport = &email.SMTPSender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			Attempts: cfg.SendAttempts,
		}
	default:
		transport = email.NewProviderClient(email.ProviderConfig{
			BaseURL:  cfg.ProviderBaseURL,
			APIKey:   cfg.ProviderAPIKey,
			Timeout:  cfg.ProviderTimeout,
			Rate:     cfg.ProviderRate,
			Attempts: cfg.SendAttempts,
		}, logger)
	}

	// ------------------------------------------------
	// Templates
	// ------------------------------------------------
	templates, err := email.DefaultRegistry()
	if err != nil {
		logger.Fatal("template registry failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Rate-Limited Dispatcher
	// ------------------------------------------------
	disp := dispatch.New(dispatch.Config{
		Rate:             cfg.TenantRate,
		Burst:            cfg.TenantBurst,
		MaxPending:       cfg.MaxPending,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}, logger)

	// ------------------------------------------------
	// Scheduler
	// ------------------------------------------------
	sched := scheduler.New(store, disp, transport, templates, scheduler.Config{
		DrainInterval:       cfg.DrainInterval,
		MaintenanceInterval: cfg.MaintenanceInterval,
		BatchSize:           cfg.BatchSize,
		DefaultMaxRetries:   cfg.DefaultMaxRetries,
		FromAddress:         cfg.FromAddress,
	}, logger)

	sched.Start()
	logger.Info("scheduler started",
		zap.Duration("drain_interval", cfg.DrainInterval),
		zap.Int("batch_size", cfg.BatchSize),
	)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Sched:         sched,
		Suppressions:  store,
		Disp:          disp,
		WebhookSecret: cfg.WebhookSecret,
		Log:           logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Router(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Stop both scheduler loops and wait for an in-flight drain to finish.
	sched.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
