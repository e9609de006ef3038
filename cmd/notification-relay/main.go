// Package main provides the notification relay entry point. It publishes
// outbox entries to Redpanda and runs the pipeline's housekeeping jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/config"
	"github.com/medtrack/go-medtrack/internal/infrastructure/postgres"
	"github.com/medtrack/go-medtrack/internal/infrastructure/redpanda"
	"github.com/medtrack/go-medtrack/internal/maintenance"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
	"github.com/medtrack/go-medtrack/internal/observability/tracing"
	"github.com/medtrack/go-medtrack/pkg/idempotency"
)

const serviceName = "notification-relay"

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
	if err := postgres.NewStore(pool, logger).Migrate(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("invalid timezone", zap.Error(err))
	}
	sched := maintenance.New(loc, logger)
	jobs := []maintenance.Job{
		{Name: "outbox-dead-letter", Spec: "@every 1m", Run: outbox.MoveToDeadLetter},
		{Name: "outbox-cleanup", Spec: "15 * * * *", Run: func(ctx context.Context) (int64, error) {
			return outbox.CleanupProcessed(ctx, 7*24*time.Hour)
		}},
		{Name: "outbox-stats", Spec: "@every 30s", Run: func(ctx context.Context) (int64, error) {
			stats, err := outbox.GetStats(ctx)
			if err != nil {
				return 0, err
			}
			if stats.Failed > 0 {
				logger.Warn("outbox has exhausted entries", zap.Int64("failed", stats.Failed))
			}
			return 0, nil
		}},
		{Name: "inbox-recover", Spec: "@every 5m", Run: inbox.RecoverStaleEntries},
		{Name: "inbox-cleanup", Spec: "30 3 * * *", Run: inbox.Cleanup},
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			logger.Fatal("scheduling maintenance failed", zap.Error(err))
		}
	}

	outbox.Start(ctx)
	sched.Start()
	logger.Info("notification relay started")

	<-ctx.Done()

	logger.Info("shutting down")
	sched.Stop()
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	logger.Info("notification relay stopped")
}
