// Package httpx writes the flat JSON error envelope every endpoint of this
// API returns: {"error", "message", "status"} plus request_id and trace_id
// when known, with any detail fields flattened into the same object.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/maplecart/api/internal/platform/requestctx"
)

// Error is a machine-readable API error. Code is a stable snake_case
// identifier clients can branch on; Message is for humans.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError builds an Error, defaulting a zero status to 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clamp(code, 80),
		Message: clamp(message, 512),
		Status:  status,
	}
}

// WithDetails returns a copy of the error carrying extra payload fields.
// Detail keys must not collide with the envelope's own keys.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError renders the error as JSON, pulling the request and trace
// identifiers from context so handlers never thread them by hand.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if requestID := clamp(middleware.GetReqID(ctx), 80); requestID != "" {
		payload["request_id"] = requestID
	}
	if traceID := clamp(requestctx.TraceID(ctx), 64); traceID != "" {
		payload["trace_id"] = traceID
	}
	for k, v := range err.Details {
		payload[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// clamp single-lines the value and caps it at limit runes.
func clamp(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	runes := []rune(value)
	if limit > 0 && len(runes) > limit {
		return string(runes[:limit])
	}
	return value
}
