package handler

// Every error response has the same shape:
//
//	{"error": "conflict", "message": "Incident not found or already claimed/cleaned"}
//
// so clients can always show message and branch on error.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gangaguard/backend/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"` // Human-readable description
}

// MessageResponse acknowledges an action that has nothing else to return.
type MessageResponse struct {
	Message    string `json:"message"`
	IncidentID string `json:"incidentId,omitempty"`
}

// writeJSON sends a JSON response with the given status code.
// Headers must be set before WriteHeader; the body goes last.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// headers are already sent; all we can do is log
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to its HTTP status and sends it.
//
// State-machine conflicts are 400 (the mobile client treats any 400 on
// accept/complete as "refresh your list"); uniqueness violations are 409.
// Anything that is not an *apperror.AppError is a 500 with a generic message:
// raw errors can carry SQL or file paths.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status, errorType := classify(err)
		if status >= http.StatusInternalServerError {
			slog.Error("request failed", slog.String("error", err.Error()))
		}
		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
		})
		return
	}

	slog.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusBadRequest, "conflict"
	case errors.Is(err, apperror.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, apperror.ErrStorage):
		return http.StatusInternalServerError, "storage_error"
	}
	return http.StatusInternalServerError, "internal_error"
}
