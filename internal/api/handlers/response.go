// Package handlers provides HTTP handlers for the medtrack API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/middleware"
	"github.com/medtrack/go-medtrack/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps an error kind to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrPreconditionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// serviceError writes err with the status of its kind. Unclassified errors
// are logged and reported without detail.
func serviceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error(op+" failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		span := trace.SpanFromContext(r.Context())
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
		jsonError(w, "internal server error", code)
		return
	}
	jsonError(w, err.Error(), code)
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func callerID(r *http.Request) string {
	c, _ := middleware.GetCaller(r.Context())
	return c.ID
}
