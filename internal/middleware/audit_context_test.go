package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/audittrail/internal/audit"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		want          string
	}{
		{name: "RemoteAddr", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "RemoteAddr without port", remoteAddr: "192.168.1.1", want: "192.168.1.1"},
		{name: "IPv6 RemoteAddr", remoteAddr: "[2001:db8::1]:8080", want: "2001:db8::1"},
		{name: "X-Forwarded-For", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.50", want: "203.0.113.50"},
		{name: "first of X-Forwarded-For chain", remoteAddr: "10.0.0.1:1", xForwardedFor: " 203.0.113.50 , 198.51.100.1", want: "203.0.113.50"},
		{name: "empty first hop falls through", remoteAddr: "10.0.0.1:1", xForwardedFor: " , 198.51.100.1", want: "10.0.0.1"},
		{name: "X-Real-IP", remoteAddr: "10.0.0.1:1", xRealIP: "  203.0.113.9  ", want: "203.0.113.9"},
		{name: "X-Forwarded-For beats X-Real-IP", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.50", xRealIP: "198.51.100.1", want: "203.0.113.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/audit/search", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuditContext(t *testing.T) {
	var md audit.RequestMetadata
	handler := RequestID(AuditContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		md = audit.RequestMetadataFromContext(r.Context())
	})))

	req := httptest.NewRequest(http.MethodPost, "/audit/security-events", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	req.Header.Set("User-Agent", "audit-test/1.0")
	req.Header.Set(RequestIDHeader, "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	want := audit.RequestMetadata{
		IPAddress:   "203.0.113.7",
		UserAgent:   "audit-test/1.0",
		RequestID:   "req-42",
		APIEndpoint: "POST /audit/security-events",
		Source:      audit.SourceAPI,
	}
	if md != want {
		t.Errorf("metadata = %+v, want %+v", md, want)
	}
}
