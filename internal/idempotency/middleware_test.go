package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/audittrail/internal/audit"
)

type countingHandler struct {
	calls  atomic.Int32
	status int
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := h.calls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(h.status)
	fmt.Fprintf(w, `{"id":"entry-%d"}`, n)
}

func send(t *testing.T, h http.Handler, actor, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	if actor != "" {
		req = req.WithContext(audit.WithActor(req.Context(), audit.Actor{ID: actor, Role: "SERVICE"}))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const route = "/audit/security-events"

func TestMiddleware_ReplaysCompletedRequest(t *testing.T) {
	next := &countingHandler{status: http.StatusCreated}
	h := Middleware(NewInMemoryRepository(), discardLogger())(next)

	first := send(t, h, "svc-a", route, "key-1")
	second := send(t, h, "svc-a", route, "key-1")

	if next.calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", next.calls.Load())
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Errorf("replay = %d %s, want %d %s", second.Code, second.Body, first.Code, first.Body)
	}
	if second.Header().Get(HeaderReplay) != "true" || first.Header().Get(HeaderReplay) != "" {
		t.Error("replay header set on the wrong response")
	}
	if ct := second.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("replayed Content-Type = %q", ct)
	}
}

func TestMiddleware_Scoping(t *testing.T) {
	tests := []struct {
		name      string
		requests  [][3]string // actor, path, key
		wantCalls int32
		wantLast  int
	}{
		{"no key always executes", [][3]string{{"svc-a", route, ""}, {"svc-a", route, ""}}, 2, http.StatusCreated},
		{"keys are per actor", [][3]string{{"svc-a", route, "k"}, {"svc-b", route, "k"}}, 2, http.StatusCreated},
		{"anonymous callers scoped by ip", [][3]string{{"", route, "k"}, {"", route, "k"}}, 1, http.StatusCreated},
		{"key reused on another route", [][3]string{{"svc-a", route, "k"}, {"svc-a", "/audit/other", "k"}}, 1, http.StatusUnprocessableEntity},
		{"invalid key", [][3]string{{"svc-a", route, "has space"}}, 0, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &countingHandler{status: http.StatusCreated}
			h := Middleware(NewInMemoryRepository(), discardLogger())(next)

			var last *httptest.ResponseRecorder
			for _, req := range tt.requests {
				last = send(t, h, req[0], req[1], req[2])
			}
			if got := next.calls.Load(); got != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", got, tt.wantCalls)
			}
			if last.Code != tt.wantLast {
				t.Errorf("last status = %d, want %d: %s", last.Code, tt.wantLast, last.Body)
			}
		})
	}
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	next := &countingHandler{status: http.StatusServiceUnavailable}
	repo := NewInMemoryRepository()
	h := Middleware(repo, discardLogger())(next)

	send(t, h, "svc-a", route, "retry-me")
	next.status = http.StatusCreated
	w := send(t, h, "svc-a", route, "retry-me")

	if next.calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", next.calls.Load())
	}
	if w.Code != http.StatusCreated || w.Header().Get(HeaderReplay) != "" {
		t.Errorf("retry = %d replay=%q, want fresh 201", w.Code, w.Header().Get(HeaderReplay))
	}
}

func TestMiddleware_InProgress(t *testing.T) {
	repo := NewInMemoryRepository()
	if err := repo.Reserve(context.Background(), &Record{Key: "svc-a:busy", Method: http.MethodPost, Route: route, Status: StatusProcessing}); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	next := &countingHandler{status: http.StatusCreated}

	w := send(t, Middleware(repo, discardLogger())(next), "svc-a", route, "busy")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if next.calls.Load() != 0 {
		t.Error("handler ran while the key was held")
	}
}

func TestMiddleware_CorruptedCacheNotReplayed(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	rec := &Record{Key: "svc-a:k", Method: http.MethodPost, Route: route, Status: StatusProcessing}
	if err := repo.Reserve(ctx, rec); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	rec.Status = StatusCompleted
	rec.StatusCode = http.StatusCreated
	rec.Body = `{"id":"forged"}`
	rec.ResponseHash = ComputeResponseHash(`{"id":"original"}`)
	if err := repo.Complete(ctx, rec); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	w := send(t, Middleware(repo, discardLogger())(&countingHandler{status: http.StatusCreated}), "svc-a", route, "k")
	if w.Code != http.StatusInternalServerError || strings.Contains(w.Body.String(), "forged") {
		t.Errorf("corrupted cache replayed: %d %s", w.Code, w.Body)
	}
}

type unavailableRepo struct{ InMemoryRepository }

func (*unavailableRepo) Reserve(context.Context, *Record) error {
	return errors.New("dial tcp: connection refused")
}

func TestMiddleware_RepositoryUnavailable(t *testing.T) {
	next := &countingHandler{status: http.StatusCreated}
	w := send(t, Middleware(&unavailableRepo{}, discardLogger())(next), "svc-a", route, "k")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if next.calls.Load() != 0 {
		t.Error("handler ran without a reservation")
	}
}

func TestMiddleware_ExpiredKeyExecutesAgain(t *testing.T) {
	repo := NewInMemoryRepository()
	next := &countingHandler{status: http.StatusCreated}
	h := Middleware(repo, discardLogger())(next)

	send(t, h, "svc-a", route, "k")
	if _, err := repo.DeleteOlderThan(context.Background(), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	send(t, h, "svc-a", route, "k")

	if next.calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", next.calls.Load())
	}
}
