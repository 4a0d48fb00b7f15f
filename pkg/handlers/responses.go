// Package handlers provides the REST response envelopes shared by every
// API route: successes wrap their payload in {"data": ..., "timestamp": ...}
// and failures carry a structured error object.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wanderer-kills/pkg/apperr"
)

// ErrorKind values exposed to API clients.
const (
	ErrKindInvalidParameter  = "invalid_parameter"
	ErrKindNotFound          = "not_found"
	ErrKindRateLimitExceeded = "rate_limit_exceeded"
	ErrKindInternalError     = "internal_error"
	ErrKindTimeout           = "timeout"
	ErrKindExternalAPIError  = "external_api_error"
	ErrKindValidationError   = "validation_error"
)

// Envelope is the standard success response shape.
type Envelope struct {
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// ErrorBody describes one API error.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Details any    `json:"details,omitempty"`
}

// ErrorEnvelope is the standard error response shape.
type ErrorEnvelope struct {
	Error     ErrorBody `json:"error"`
	Timestamp string    `json:"timestamp"`
}

// NewEnvelope wraps data in the success shape with the current timestamp.
func NewEnvelope(data any) Envelope {
	return Envelope{Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// NewErrorEnvelope builds the error shape.
func NewErrorEnvelope(kind, message string, code int, details any) ErrorEnvelope {
	return ErrorEnvelope{
		Error:     ErrorBody{Type: kind, Message: message, Code: code, Details: details},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// JSONResponse sends a JSON response with the given payload and status code.
func JSONResponse(w http.ResponseWriter, payload any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// SuccessResponse sends data in the success envelope.
func SuccessResponse(w http.ResponseWriter, data any, statusCode int) {
	JSONResponse(w, NewEnvelope(data), statusCode)
}

// ErrorResponse sends a structured error envelope.
func ErrorResponse(w http.ResponseWriter, kind, message string, statusCode int) {
	JSONResponse(w, NewErrorEnvelope(kind, message, statusCode, nil), statusCode)
}

// ErrorKindFor maps an application error to the client-facing error kind
// and HTTP status code.
func ErrorKindFor(err error) (string, int) {
	tag := apperr.KindOf(err)
	switch tag {
	case "":
		return ErrKindInternalError, http.StatusInternalServerError
	case "http:not_found", "esi:not_found", "cache:miss", "validation:unknown_subscription":
		return ErrKindNotFound, http.StatusNotFound
	case "http:rate_limited", "ratelimit:queue_timeout", "ratelimit:circuit_open":
		return ErrKindRateLimitExceeded, http.StatusTooManyRequests
	case "http:timeout", "cache:loader_timeout", "enrichment:timeout":
		return ErrKindTimeout, http.StatusInternalServerError
	case "esi:api_error", "zkb:api_error", "http:server_error", "http:bad_response", "zkb:bad_response":
		return ErrKindExternalAPIError, http.StatusInternalServerError
	}
	if strings.HasPrefix(tag, "validation:") {
		return ErrKindInvalidParameter, http.StatusBadRequest
	}
	return ErrKindInternalError, http.StatusInternalServerError
}
