// Package main provides the notification service entry point. It consumes
// notification events, stores each one once and pushes it to the optional
// webhook. Events that can never be stored go to the dead letter topic.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/config"
	"github.com/medtrack/go-medtrack/internal/delivery"
	"github.com/medtrack/go-medtrack/internal/infrastructure/postgres"
	"github.com/medtrack/go-medtrack/internal/infrastructure/redpanda"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
	"github.com/medtrack/go-medtrack/internal/observability/tracing"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
	"github.com/medtrack/go-medtrack/pkg/idempotency"
	"github.com/medtrack/go-medtrack/pkg/workerpool"
)

const serviceName = "notification-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		zap.NewExample().Fatal("logger setup failed", zap.Error(err))
	}
	defer logger.Sync()

	if !cfg.UsesPostgres() {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	store := postgres.NewStore(pool, logger)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)

	var pushes *workerpool.Pool
	if cfg.PushWebhookURL != "" {
		breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("push-webhook"), m, logger)
		if err != nil {
			logger.Fatal("circuit breaker creation failed", zap.Error(err))
		}
		poolCfg := workerpool.DefaultConfig()
		pushes, err = workerpool.New(poolCfg,
			delivery.PushWorker(delivery.NewWebhook(cfg.PushWebhookURL, breaker, logger), m), logger)
		if err != nil {
			logger.Fatal("worker pool creation failed", zap.Error(err))
		}
		pushes.Start()
		go drainResults(pushes, logger)
		logger.Info("webhook delivery enabled", zap.String("url", cfg.PushWebhookURL))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("dead letter producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	handler := delivery.NewHandler(store, inbox, pushes, m, logger).WithDeadLetter(producer)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	consumer.Start(ctx)
	logger.Info("notification service started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID))

	<-ctx.Done()

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop", zap.Error(err))
	}
	if pushes != nil {
		if err := pushes.Stop(); err != nil {
			logger.Error("worker pool stop", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	logger.Info("notification service stopped")
}

// drainResults logs failed webhook pushes once their retries are exhausted
func drainResults(p *workerpool.Pool, logger *zap.Logger) {
	for r := range p.Results() {
		if !r.Success {
			logger.Warn("webhook push gave up", zap.String("notification_id", r.TaskID), zap.Error(r.Error))
		}
	}
}
