package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/middleware"
	"github.com/medtrack/go-medtrack/internal/service"
)

// PharmacistHandler handles the pharmacist order queue
type PharmacistHandler struct {
	refills   *service.RefillService
	adherence *service.AdherenceService
	logger    *zap.Logger
}

// NewPharmacistHandler creates a new handler
func NewPharmacistHandler(refills *service.RefillService, adherence *service.AdherenceService, logger *zap.Logger) *PharmacistHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PharmacistHandler{refills: refills, adherence: adherence, logger: logger}
}

// Routes returns the handler routes
func (h *PharmacistHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/dashboard", h.Dashboard)
	r.Get("/orders/pending", h.PendingOrders)
	r.Put("/orders/{id}/status", h.UpdateStatus)
	return r
}

// Dashboard handles GET /dashboard
func (h *PharmacistHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.adherence.PharmacistDashboard(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "pharmacist dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// PendingOrders handles GET /orders/pending
func (h *PharmacistHandler) PendingOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.refills.PendingOrders(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "pending orders", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// StatusRequest is the request body for moving a refill request
type StatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /orders/{id}/status
func (h *PharmacistHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("pharmacist-handler").Start(r.Context(), "transition_refill_request")
	defer span.End()
	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("refill_request_id", id))

	var req StatusRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := h.refills.Transition(ctx, callerID(r), id, req.Status)
	if err != nil {
		serviceError(w, r, h.logger, "transition refill request", err)
		return
	}
	if out.DispatchErr != nil {
		h.logger.Warn("refill request updated but notification dispatch failed",
			zap.String("refill_request_id", id),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(out.DispatchErr))
	}
	writeJSON(w, http.StatusOK, out)
}
