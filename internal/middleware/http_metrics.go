package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// UnmatchedRoute is the path label for requests outside the audit API.
const UnmatchedRoute = "/unmatched"

var staticRoutes = map[string]bool{
	"/":                      true,
	"/health":                true,
	"/ready":                 true,
	"/metrics":               true,
	"/audit/search":          true,
	"/audit/export":          true,
	"/audit/statistics":      true,
	"/audit/dashboard":       true,
	"/audit/activity":        true,
	"/audit/verify":          true,
	"/audit/alerts":          true,
	"/audit/notifications":   true,
	"/audit/stream":          true,
	"/audit/security-events": true,
	"/audit/failures":        true,
	"/audit/critical":        true,
}

// dynamicRoutes maps the first segment after /audit/ to the route pattern
// and the number of path segments it expects.
var dynamicRoutes = map[string]struct {
	pattern  string
	segments int
}{
	"entries":     {"/audit/entries/{id}", 4},
	"entities":    {"/audit/entities/{type}/{id}", 5},
	"users":       {"/audit/users/{id}", 4},
	"event-types": {"/audit/event-types/{type}", 4},
}

// normalizePath converts a request path to its route pattern so entity and
// user IDs never become label values. Unknown paths collapse to
// UnmatchedRoute.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[0] == "" && parts[1] == "audit" {
		if route, ok := dynamicRoutes[parts[2]]; ok && len(parts) == route.segments {
			for _, p := range parts[3:] {
				if p == "" {
					return UnmatchedRoute
				}
			}
			return route.pattern
		}
	}
	return UnmatchedRoute
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// Flush implements http.Flusher.
func (mrw *metricsResponseWriter) Flush() {
	if f, ok := mrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(mrw.ResponseWriter)
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics: duration,
// request/response sizes and request counts. Health checks (/health, /ready)
// are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			requestSize := int64(0)
			if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
				if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
					requestSize = size
				}
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
