package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/auth"
)

// TokenValidator validates bearer tokens. *auth.JWTService implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Auth requires a valid bearer token and stores the token's identity as the
// audit actor of the request. metrics may be nil.
func Auth(validator TokenValidator, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				rejectAuth(w, r, metrics, "missing", "Missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					rejectAuth(w, r, metrics, "expired", "Token has expired")
					return
				}
				rejectAuth(w, r, metrics, "invalid", "Invalid token")
				return
			}

			ctx := audit.WithActor(r.Context(), audit.Actor{
				ID:   claims.UserID(),
				Name: claims.Name,
				Role: claims.Role,
			})
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose actor does not hold one of roles.
// It must run after Auth.
func RequireRole(metrics *Metrics, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := audit.ActorFromContext(r.Context())
			if !ok || !slices.Contains(roles, actor.Role) {
				if metrics != nil {
					metrics.IncAuthFailures("forbidden")
				}
				writeError(w, r, http.StatusForbidden, "forbidden", "Insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func rejectAuth(w http.ResponseWriter, r *http.Request, metrics *Metrics, reason, message string) {
	if metrics != nil {
		metrics.IncAuthFailures(reason)
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="audit"`)
	writeError(w, r, http.StatusUnauthorized, "auth_failed", message)
}

// writeError writes the API error envelope {"error":{"code","message"}} and
// reports the code to the Logging middleware.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(r.Context(), code))

	body, _ := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
