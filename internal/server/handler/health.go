package handler

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds each subsystem probe.
const healthCheckTimeout = 2 * time.Second

// HealthCheck probes one subsystem and returns nil when it is reachable.
type HealthCheck func(ctx context.Context) error

// HealthHandler serves the health-check endpoint. Checks are optional probes
// for configured subsystems (redis, postgres, s3).
type HealthHandler struct {
	checks map[string]HealthCheck
}

// NewHealthHandler creates a HealthHandler with the given subsystem checks.
// A nil or empty map yields a plain liveness endpoint.
func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health responds with the server status and the result of each subsystem
// probe. Any failing probe degrades the status and the response code.
// GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	writeJSON(w, code, body)
}
