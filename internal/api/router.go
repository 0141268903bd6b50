package api

import (
	"net/http"

	"github.com/onnwee/audittrail/internal/middleware"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// RouterConfig wires the handlers and per-route middleware of the API.
type RouterConfig struct {
	Audit   *AuditHandlers
	Health  *HealthHandlers
	Metrics http.Handler

	// Authenticate wraps every /audit route. Optional.
	Authenticate Middleware
	// SearchGuard additionally wraps /audit/search. Optional.
	SearchGuard Middleware
	// ExportGuard additionally wraps /audit/export. Optional.
	ExportGuard Middleware
	// WriteGuard additionally wraps POST /audit/security-events. Optional.
	WriteGuard Middleware

	ServiceName string
	Version     string
}

// NewRouter builds the API mux. /health, /ready and /metrics are never
// authenticated.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.Health)
		mux.HandleFunc("GET /ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	if a := cfg.Audit; a != nil {
		route := func(pattern string, h http.HandlerFunc, guards ...Middleware) {
			var handler http.Handler = h
			for _, g := range guards {
				if g != nil {
					handler = g(handler)
				}
			}
			if cfg.Authenticate != nil {
				handler = cfg.Authenticate(handler)
			}
			mux.Handle(pattern, handler)
		}

		route("GET /audit/entries/{id}", a.GetEntry)
		route("GET /audit/entities/{type}/{id}", a.EntityHistory)
		route("GET /audit/users/{id}", a.UserActivity)
		route("GET /audit/event-types/{type}", a.EventTypeEntries)
		route("GET /audit/search", a.Search, cfg.SearchGuard)
		route("GET /audit/export", a.Export, cfg.ExportGuard)
		route("GET /audit/statistics", a.Statistics)
		route("GET /audit/dashboard", a.Dashboard)
		route("GET /audit/activity", a.Activity)
		route("GET /audit/verify", a.Verify)
		route("GET /audit/alerts", a.Alerts)
		route("GET /audit/notifications", a.Notifications)
		route("GET /audit/security-events", a.SecurityEvents)
		route("POST /audit/security-events", a.RecordSecurityEvent, cfg.WriteGuard)
		route("GET /audit/failures", a.Failures)
		route("GET /audit/critical", a.CriticalEvents)
		route("GET /audit/stream", a.Stream)
	}

	service := cfg.ServiceName
	if service == "" {
		service = "audittrail-api"
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"service": service, "version": cfg.Version})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	return mux
}
