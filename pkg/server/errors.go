package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"mercator-hq/spendgate/pkg/budget"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains detailed error information.
type ErrorDetail struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`
}

// Error codes.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal_error"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// writeError writes an ErrorResponse.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeAuthError adapts writeError to the auth middleware's ErrorWriter.
func writeAuthError(w http.ResponseWriter, status int, message string) {
	writeError(w, status, CodeUnauthorized, message)
}

// writeErrorFor maps a component error to a status code. Storage and other
// unexpected failures are logged and reported without internal detail.
func writeErrorFor(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message)
}

func classify(err error) (status int, code, message string) {
	var verr *budget.ValidationError
	var serr *budget.StorageError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, CodeInvalidRequest, verr.Error()
	case errors.Is(err, budget.ErrValidationFailed):
		return http.StatusBadRequest, CodeInvalidRequest, err.Error()
	case errors.Is(err, budget.ErrAuthenticationFailed):
		return http.StatusUnauthorized, CodeUnauthorized, "invalid or missing signature"
	case errors.Is(err, budget.ErrForbidden):
		return http.StatusForbidden, CodeForbidden, "administrative capability required"
	case errors.Is(err, budget.ErrTenantNotFound):
		return http.StatusNotFound, CodeNotFound, "tenant not found"
	case errors.Is(err, budget.ErrOverrideNotFound):
		return http.StatusNotFound, CodeNotFound, "override not found"
	case errors.Is(err, budget.ErrOverrideInactive):
		return http.StatusConflict, CodeConflict, "override is not active"
	case errors.Is(err, budget.ErrVersionConflict), errors.Is(err, budget.ErrOverrideConflict):
		return http.StatusConflict, CodeConflict, "concurrent update, retry the request"
	case errors.Is(err, budget.ErrStateUnavailable), errors.As(err, &serr):
		return http.StatusServiceUnavailable, CodeUnavailable, "budget state is temporarily unavailable"
	default:
		return http.StatusInternalServerError, CodeInternal, "An internal error occurred. Please try again later."
	}
}
