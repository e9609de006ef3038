package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/middleware"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/fhir"
	"github.com/medtrack/go-medtrack/internal/service"
)

// PatientHandler handles the patient-facing endpoints
type PatientHandler struct {
	refills       *service.RefillService
	reminders     *service.ReminderService
	adherence     *service.AdherenceService
	prescriptions service.PrescriptionRepository
	logger        *zap.Logger
}

// NewPatientHandler creates a new handler
func NewPatientHandler(refills *service.RefillService, reminders *service.ReminderService,
	adherence *service.AdherenceService, prescriptions service.PrescriptionRepository, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientHandler{
		refills:       refills,
		reminders:     reminders,
		adherence:     adherence,
		prescriptions: prescriptions,
		logger:        logger,
	}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/dashboard", h.Dashboard)
	r.Get("/analytics", h.Analytics)
	r.Get("/prescriptions", h.ListPrescriptions)
	r.Get("/prescriptions/fhir", h.ExportPrescriptions)
	r.Get("/prescriptions/{id}/fhir", h.ExportPrescription)
	r.Post("/prescriptions/{id}/refill-requests", h.CreateRefill)
	r.Get("/refill-requests", h.ListRefills)
	r.Get("/reminders", h.ListReminders)
	r.Post("/reminders", h.CreateReminder)
	r.Get("/reminders/calendar.ics", h.Calendar)
	r.Put("/reminders/{id}", h.UpdateReminder)
	r.Delete("/reminders/{id}", h.DeleteReminder)
	r.Post("/reminders/{id}/doses", h.LogDose)
	return r
}

// Dashboard handles GET /dashboard
func (h *PatientHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.adherence.PatientDashboard(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "patient dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Analytics handles GET /analytics?days=N
func (h *PatientHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			jsonError(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = n
	}

	a, err := h.adherence.Analytics(r.Context(), callerID(r), days)
	if err != nil {
		serviceError(w, r, h.logger, "analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListPrescriptions handles GET /prescriptions
func (h *PatientHandler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	list, err := h.prescriptions.ListPrescriptionsByPatient(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "list prescriptions", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ExportPrescriptions handles GET /prescriptions/fhir
func (h *PatientHandler) ExportPrescriptions(w http.ResponseWriter, r *http.Request) {
	list, err := h.prescriptions.ListPrescriptionsByPatient(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "export prescriptions", err)
		return
	}
	writeFHIR(w, fhir.NewBundle(list, time.Now()))
}

// ExportPrescription handles GET /prescriptions/{id}/fhir
func (h *PatientHandler) ExportPrescription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.prescriptions.GetPrescription(r.Context(), id)
	if err != nil {
		serviceError(w, r, h.logger, "export prescription", err)
		return
	}
	if p.PatientID != callerID(r) {
		jsonError(w, "prescription belongs to another patient", http.StatusForbidden)
		return
	}
	writeFHIR(w, fhir.NewBundle([]prescription.Prescription{p}, time.Now()))
}

func writeFHIR(w http.ResponseWriter, b *fhir.Bundle) {
	w.Header().Set("Content-Type", fhir.ContentType)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(b)
}

// RefillRequest is the request body for opening a refill request
type RefillRequest struct {
	Note string `json:"note"`
}

// CreateRefill handles POST /prescriptions/{id}/refill-requests
func (h *PatientHandler) CreateRefill(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("patient-handler").Start(r.Context(), "create_refill_request")
	defer span.End()
	rxID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("prescription_id", rxID))

	var req RefillRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := h.refills.Create(ctx, callerID(r), rxID, req.Note)
	if err != nil {
		serviceError(w, r, h.logger, "create refill request", err)
		return
	}
	if out.DispatchErr != nil {
		h.logger.Warn("refill request opened but notification dispatch failed",
			zap.String("refill_request_id", out.Request.ID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(out.DispatchErr))
	}
	writeJSON(w, http.StatusCreated, out)
}

// ListRefills handles GET /refill-requests
func (h *PatientHandler) ListRefills(w http.ResponseWriter, r *http.Request) {
	list, err := h.refills.ListForPatient(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "list refill requests", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ListReminders handles GET /reminders
func (h *PatientHandler) ListReminders(w http.ResponseWriter, r *http.Request) {
	list, err := h.reminders.List(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "list reminders", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateReminder handles POST /reminders
func (h *PatientHandler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	var in service.ReminderInput
	if err := decode(r, &in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rem, err := h.reminders.Create(r.Context(), callerID(r), in)
	if err != nil {
		serviceError(w, r, h.logger, "create reminder", err)
		return
	}
	if rem.DispatchErr != nil {
		h.logger.Warn("reminder created but notification dispatch failed",
			zap.String("reminder_id", rem.ID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(rem.DispatchErr))
	}
	writeJSON(w, http.StatusCreated, rem)
}

// UpdateReminder handles PUT /reminders/{id}
func (h *PatientHandler) UpdateReminder(w http.ResponseWriter, r *http.Request) {
	var in service.ReminderInput
	if err := decode(r, &in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rem, err := h.reminders.Update(r.Context(), callerID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		serviceError(w, r, h.logger, "update reminder", err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

// DeleteReminder handles DELETE /reminders/{id}
func (h *PatientHandler) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	if err := h.reminders.Delete(r.Context(), callerID(r), chi.URLParam(r, "id")); err != nil {
		serviceError(w, r, h.logger, "delete reminder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogDose handles POST /reminders/{id}/doses
func (h *PatientHandler) LogDose(w http.ResponseWriter, r *http.Request) {
	var in service.DoseInput
	if err := decode(r, &in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	l, err := h.reminders.LogDose(r.Context(), callerID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		serviceError(w, r, h.logger, "log dose", err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// Calendar handles GET /reminders/calendar.ics
func (h *PatientHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	data, err := h.reminders.Calendar(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "calendar export", err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="reminders.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
