package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/middleware"
)

// Header names.
const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotent-Replay"
)

// Middleware executes a keyed request at most once per actor. Requests
// without the header pass through. 5xx responses release the key so the
// client can retry; everything else is cached and replayed.
//
// When the repository cannot be reached the request is refused with 503
// rather than risking a duplicate entry.
func Middleware(repo Repository, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := ValidateKey(key); err != nil {
				writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
				return
			}

			ctx := r.Context()
			scoped := scopeKey(r, key)
			reservation := &Record{
				Key:       scoped,
				Method:    r.Method,
				Route:     r.URL.Path,
				Status:    StatusProcessing,
				CreatedAt: time.Now().UTC(),
			}

			err := repo.Reserve(ctx, reservation)
			if errors.Is(err, ErrKeyExists) {
				replayExisting(w, r, repo, scoped, logger)
				return
			}
			if err != nil {
				logger.ErrorContext(ctx, "idempotency reservation failed", "error", err)
				writeError(w, r, http.StatusServiceUnavailable, "unavailable", "Idempotency store unavailable")
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if !completed {
					// Handler panicked or failed; free the key for a retry.
					if err := repo.Release(ctx, scoped); err != nil {
						logger.WarnContext(ctx, "failed to release idempotency key", "error", err)
					}
				}
			}()

			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			body := rec.body.String()
			final := *reservation
			final.Status = StatusCompleted
			final.StatusCode = rec.status
			final.ContentType = rec.Header().Get("Content-Type")
			final.Body = body
			final.ResponseHash = ComputeResponseHash(body)
			if err := repo.Complete(ctx, &final); err != nil {
				logger.WarnContext(ctx, "failed to store idempotent response", "error", err)
				return
			}
			completed = true
		})
	}
}

func replayExisting(w http.ResponseWriter, r *http.Request, repo Repository, key string, logger *slog.Logger) {
	existing, err := repo.Get(r.Context(), key)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		writeError(w, r, http.StatusConflict, "conflict", "Request with this idempotency key is being retried, try again")
		return
	case err != nil:
		logger.ErrorContext(r.Context(), "idempotency lookup failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "Idempotency store unavailable")
		return
	}

	if existing.Method != r.Method || existing.Route != r.URL.Path {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error", "Idempotency key was used for a different request")
		return
	}
	if existing.Status != StatusCompleted {
		writeError(w, r, http.StatusConflict, "conflict", "Request with this idempotency key is still in progress")
		return
	}
	if ComputeResponseHash(existing.Body) != existing.ResponseHash {
		logger.ErrorContext(r.Context(), "cached idempotent response failed hash check", "key", key)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	if existing.ContentType != "" {
		w.Header().Set("Content-Type", existing.ContentType)
	}
	w.Header().Set(HeaderReplay, "true")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write([]byte(existing.Body))
}

// scopeKey namespaces the client key by actor so two callers cannot collide.
func scopeKey(r *http.Request, key string) string {
	actor, ok := audit.ActorFromContext(r.Context())
	if !ok {
		actor.ID = middleware.ClientIP(r)
	}
	return actor.ID + ":" + key
}

// recorder copies the response body while passing it through.
type recorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func (rec *recorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}

func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	middleware.UpdateResponseContext(w, middleware.SetErrorCode(r.Context(), code))
	body, _ := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
