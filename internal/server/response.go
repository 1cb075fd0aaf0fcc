package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"mcphub/internal/api"
	"mcphub/internal/lifecycle"
	"mcphub/pkg/logging"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotRunning        = "NOT_RUNNING"
	ErrCodeSetupFailed       = "SETUP_FAILED"
	ErrCodeMissingEnv        = "MISSING_ENV"
	ErrCodePortUnavailable   = "PORT_UNAVAILABLE"
	ErrCodeSpawnFailed       = "SPAWN_FAILED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeUpstream          = "UPSTREAM_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Debug("HTTP", "Failed to encode response: %v", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeAPIError maps err onto a status code and error code.
func writeAPIError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logging.Warn("HTTP", "Request failed: %v", err)
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	var (
		transition *api.InvalidTransitionError
		spawn      *api.SpawnFailedError
		rpc        *api.RPCError
	)
	switch {
	case api.IsNotFound(err):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.As(err, &transition):
		return http.StatusConflict, ErrCodeInvalidTransition
	case errors.Is(err, lifecycle.ErrNotAttached):
		return http.StatusConflict, ErrCodeNotRunning
	case api.IsSetupFailed(err):
		return http.StatusUnprocessableEntity, ErrCodeSetupFailed
	case api.IsMissingEnv(err):
		return http.StatusUnprocessableEntity, ErrCodeMissingEnv
	case api.IsPortError(err):
		return http.StatusConflict, ErrCodePortUnavailable
	case errors.As(err, &spawn):
		return http.StatusBadGateway, ErrCodeSpawnFailed
	case api.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case api.IsTransportClosed(err), errors.As(err, &rpc):
		return http.StatusBadGateway, ErrCodeUpstream
	}
	return http.StatusInternalServerError, ErrCodeInternalError
}
