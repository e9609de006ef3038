// Package main provides the medtrack API entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/handlers"
	"github.com/medtrack/go-medtrack/internal/config"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/domain/user"
	"github.com/medtrack/go-medtrack/internal/infrastructure/postgres"
	"github.com/medtrack/go-medtrack/internal/infrastructure/sqlite"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
	"github.com/medtrack/go-medtrack/internal/observability/tracing"
	"github.com/medtrack/go-medtrack/internal/service"
)

const serviceName = "medtrack-api"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Medication adherence and refill API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Both stores migrate when they are opened.
			store, _, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Println("migrations applied")
			return nil
		},
	}
}

// seedFile lists accounts and prescriptions to load for local use
type seedFile struct {
	Users         []user.User                 `json:"users"`
	Prescriptions []prescription.Prescription `json:"prescriptions"`
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load users and prescriptions from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			var seed seedFile
			if err := json.Unmarshal(data, &seed); err != nil {
				return fmt.Errorf("parse seed file: %w", err)
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			store, _, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, u := range seed.Users {
				if err := store.SaveUser(ctx, u); err != nil {
					return fmt.Errorf("save user %s: %w", u.ID, err)
				}
			}
			for _, p := range seed.Prescriptions {
				if p.CreatedAt.IsZero() {
					p.CreatedAt = time.Now().UTC()
				}
				if err := store.SavePrescription(ctx, p); err != nil {
					return fmt.Errorf("save prescription %s: %w", p.ID, err)
				}
			}
			fmt.Printf("seeded %d users and %d prescriptions\n", len(seed.Users), len(seed.Prescriptions))
			return nil
		},
	}
	cmd.Flags().String("file", "seed.json", "path to the seed file")
	return cmd
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore opens PostgreSQL when DATABASE_URL is set and the embedded
// SQLite store otherwise. The pool is nil for SQLite.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (service.Store, *pgxpool.Pool, error) {
	if !cfg.UsesPostgres() {
		store, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("using embedded store", zap.String("path", cfg.SQLitePath))
		return store, nil, nil
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := postgres.NewStore(pool, logger)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("connected to database")
	return store, pool, nil
}

func runServer() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	m := metrics.New(prometheus.DefaultRegisterer)

	var dispatcher notify.Dispatcher = service.NewStoreDispatcher(store)
	if cfg.NotificationMode == config.NotificationModeOutbox {
		// The relay publishes; this process only writes entries.
		outbox := postgres.NewOutbox(pool, nil, postgres.DefaultOutboxConfig(), m, logger)
		dispatcher = postgres.NewOutboxDispatcher(outbox)
		logger.Info("notifications go through the outbox", zap.String("topic", postgres.NotificationTopic))
	}

	refills := service.NewRefillService(store, store, store, dispatcher, service.RefillConfig{
		Policy:   cfg.Policy(),
		Assigner: cfg.Assigner(),
		Clock:    time.Now,
	}, m, logger)
	reminders := service.NewReminderService(store, store, dispatcher, loc, m, logger)
	adherence := service.NewAdherenceService(store, store, store, store, store, loc, cfg.AdherenceWindowDays, logger)
	notifications := service.NewNotificationService(store, logger)

	r := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:   serviceName,
		Refills:       refills,
		Reminders:     reminders,
		Adherence:     adherence,
		Notifications: notifications,
		Prescriptions: store,
		Store:         store,
		APIKeys:       cfg.APIKeyMap(),
		Metrics:       metrics.Handler(),
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting medtrack API",
			zap.String("port", cfg.Port),
			zap.String("refill_policy", string(cfg.Policy())),
			zap.String("notification_mode", cfg.NotificationMode))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
