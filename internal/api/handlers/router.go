package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/middleware"
	"github.com/medtrack/go-medtrack/internal/domain/user"
	"github.com/medtrack/go-medtrack/internal/service"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig wires the services behind the API
type RouterConfig struct {
	ServiceName   string
	Refills       *service.RefillService
	Reminders     *service.ReminderService
	Adherence     *service.AdherenceService
	Notifications *service.NotificationService
	Prescriptions service.PrescriptionRepository
	Store         Pinger
	// APIKeys maps keys to client names. Empty disables key checks.
	APIKeys map[string]string
	// Metrics serves /metrics when set
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewRouter builds the API router with the middleware chain
func NewRouter(cfg RouterConfig) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "medtrack-api"
	}

	patient := NewPatientHandler(cfg.Refills, cfg.Reminders, cfg.Adherence, cfg.Prescriptions, logger)
	pharmacist := NewPharmacistHandler(cfg.Refills, cfg.Adherence, logger)
	inbox := NewNotificationHandler(cfg.Notifications, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.Get("/health", health(cfg.ServiceName))
	r.Get("/ready", ready(cfg.Store))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if len(cfg.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		}
		r.Use(middleware.Identity)

		r.Route("/patient", func(r chi.Router) {
			r.Use(middleware.RequireRole(user.RolePatient))
			r.Mount("/notifications", inbox.Routes())
			r.Mount("/", patient.Routes())
		})
		r.Route("/pharmacist", func(r chi.Router) {
			r.Use(middleware.RequireRole(user.RolePharmacist))
			r.Mount("/notifications", inbox.Routes())
			r.Mount("/", pharmacist.Routes())
		})
	})

	return r
}

func health(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
	}
}

func ready(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			if err := store.Ping(r.Context()); err != nil {
				jsonError(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
