package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/audittrail/internal/health"
	"github.com/onnwee/audittrail/internal/middleware"
)

// readyTimeout bounds all dependency checks of one readiness probe.
const readyTimeout = 5 * time.Second

// Check status values.
const (
	CheckOK    = "ok"
	CheckError = "error"
)

// Overall status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DependencyCheck names one dependency probed by /ready. A failing optional
// dependency degrades the service without taking it out of rotation.
type DependencyCheck struct {
	Name     string
	Checker  health.Checker
	Optional bool
}

// HealthHandlers provides the liveness and readiness probes.
type HealthHandlers struct {
	checks  []DependencyCheck
	version string
	now     func() time.Time
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	Checks  []DependencyCheck
	Version string
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		checks:  config.Checks,
		version: config.Version,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Version   string            `json:"version,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}
	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:    StatusHealthy,
		Checks:    map[string]string{"runtime": CheckOK},
		Version:   h.version,
		Timestamp: h.now().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe). It answers 503 when a required
// dependency fails.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks)+1)
	status := StatusHealthy
	for _, c := range h.checks {
		if err := c.Checker.HealthCheck(ctx); err != nil {
			checks[c.Name] = CheckError
			slog.WarnContext(ctx, "dependency health check failed",
				"dependency", c.Name,
				"optional", c.Optional,
				"error", err,
			)
			if !c.Optional {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
			continue
		}
		checks[c.Name] = CheckOK
	}
	// The Prometheus registry is always initialized.
	checks["metrics"] = CheckOK

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Version:   h.version,
		Timestamp: h.now().Format(time.RFC3339),
	})
}
