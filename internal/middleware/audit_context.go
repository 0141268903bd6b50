package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/onnwee/audittrail/internal/audit"
)

// ClientIP returns the originating client address: the first entry of
// X-Forwarded-For, then X-Real-IP, then the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuditContext attaches the request metadata recorded with every audit
// entry created while serving the request: client IP, user agent, request
// ID and endpoint. Place it after RequestID.
func AuditContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithRequestMetadata(r.Context(), audit.RequestMetadata{
			IPAddress:   ClientIP(r),
			UserAgent:   r.UserAgent(),
			RequestID:   GetRequestID(r.Context()),
			APIEndpoint: r.Method + " " + r.URL.Path,
			Source:      audit.SourceAPI,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
