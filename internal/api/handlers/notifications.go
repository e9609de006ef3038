package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/service"
)

// NotificationHandler serves the caller's notification inbox
type NotificationHandler struct {
	notifications *service.NotificationService
	logger        *zap.Logger
}

// NewNotificationHandler creates a new handler
func NewNotificationHandler(notifications *service.NotificationService, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{notifications: notifications, logger: logger}
}

// Routes returns the handler routes
func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/unread-count", h.UnreadCount)
	r.Put("/{id}/read", h.MarkRead)
	return r
}

// List handles GET /notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.notifications.List(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "list notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// UnreadCount handles GET /notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.UnreadCount(r.Context(), callerID(r))
	if err != nil {
		serviceError(w, r, h.logger, "unread count", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// MarkRead handles PUT /notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifications.MarkRead(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, r, h.logger, "mark notification read", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}
