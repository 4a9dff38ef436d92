package handlers

import (
	"context"
	"net/http"
	"time"
)

// ReadinessCheck probes one dependency. A non-nil error marks the service as
// not ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	startedAt time.Time
	checks    []ReadinessCheck
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{startedAt: time.Now().UTC()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithReadinessChecks registers dependency probes run by /readyz.
func WithReadinessChecks(checks ...ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		h.checks = append(h.checks, checks...)
	}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz runs every dependency probe and reports per-check results.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, check := range h.checks {
		if check.Check == nil {
			continue
		}
		if err := check.Check(ctx); err != nil {
			results[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[check.Name] = "ok"
	}

	payload := map[string]any{
		"status": "ready",
		"checks": results,
	}
	if status != http.StatusOK {
		payload["status"] = "unavailable"
	}
	writeJSONResponse(w, status, payload)
}
