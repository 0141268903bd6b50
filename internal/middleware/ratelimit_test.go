package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/audittrail/internal/audit"
)

// fakeClock drives an InMemoryRateLimitStore without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedStore() (*InMemoryRateLimitStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemoryRateLimitStore()
	store.now = clock.Now
	return store, clock
}

func TestInMemoryRateLimitStore_Allow(t *testing.T) {
	tests := []struct {
		name          string
		limit         int
		wantAllowed   []bool
		wantRemaining []int
	}{
		{
			name:          "under limit",
			limit:         5,
			wantAllowed:   []bool{true, true, true},
			wantRemaining: []int{4, 3, 2},
		},
		{
			name:          "blocks at limit",
			limit:         3,
			wantAllowed:   []bool{true, true, true, false, false},
			wantRemaining: []int{2, 1, 0, 0, 0},
		},
		{
			name:          "single request limit",
			limit:         1,
			wantAllowed:   []bool{true, false},
			wantRemaining: []int{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newClockedStore()
			config := RateLimitConfig{RequestsPerWindow: tt.limit, WindowDuration: time.Minute}

			for i := range tt.wantAllowed {
				allowed, remaining, _ := store.Allow(context.Background(), "k", config)
				if allowed != tt.wantAllowed[i] {
					t.Errorf("request %d: allowed = %v, want %v", i+1, allowed, tt.wantAllowed[i])
				}
				if remaining != tt.wantRemaining[i] {
					t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, tt.wantRemaining[i])
				}
			}
		})
	}
}

func TestInMemoryRateLimitStore_WindowAndRetryAfter(t *testing.T) {
	store, clock := newClockedStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	ctx := context.Background()

	store.Allow(ctx, "k", config)

	clock.Advance(20 * time.Second)
	allowed, _, retryAfter := store.Allow(ctx, "k", config)
	if allowed {
		t.Fatal("second request in window should be blocked")
	}
	if retryAfter != 40 {
		t.Errorf("retryAfter = %d, want 40", retryAfter)
	}

	clock.Advance(40*time.Second + time.Millisecond)
	if allowed, _, _ := store.Allow(ctx, "k", config); !allowed {
		t.Error("request after window expiry should be allowed")
	}

	if allowed, _, _ := store.Allow(ctx, "other", config); !allowed {
		t.Error("keys should be limited independently")
	}
}

func TestInMemoryRateLimitStore_Cleanup(t *testing.T) {
	store, clock := newClockedStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	ctx := context.Background()

	store.Allow(ctx, "old", config)
	clock.Advance(2 * time.Minute)
	store.Allow(ctx, "fresh", config)
	store.Cleanup()

	store.mu.Lock()
	_, hasOld := store.buckets["old"]
	_, hasFresh := store.buckets["fresh"]
	store.mu.Unlock()

	if hasOld {
		t.Error("expired bucket was not removed")
	}
	if !hasFresh {
		t.Error("live bucket was removed")
	}
}

func TestInMemoryRateLimitStore_Concurrency(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 50, WindowDuration: time.Minute}

	var allowedCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _, _ := store.Allow(context.Background(), "shared", config); allowed {
				allowedCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowedCount.Load(); got != 50 {
		t.Errorf("allowed %d requests, want exactly 50", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{-time.Second, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.d); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestActorKeyFunc(t *testing.T) {
	keyFunc := ActorKeyFunc()

	tests := []struct {
		name    string
		actor   *audit.Actor
		wantKey string
	}{
		{name: "anonymous uses IP", wantKey: "ip:192.168.1.1"},
		{name: "authenticated uses actor", actor: &audit.Actor{ID: "user-7", Role: "AUDITOR"}, wantKey: "actor:user-7"},
		{name: "actor without ID uses IP", actor: &audit.Actor{Name: "nobody"}, wantKey: "ip:192.168.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/audit/export", nil)
			req.RemoteAddr = "192.168.1.1:12345"
			if tt.actor != nil {
				req = req.WithContext(audit.WithActor(req.Context(), *tt.actor))
			}
			if got := keyFunc(req); got != tt.wantKey {
				t.Errorf("ActorKeyFunc() = %q, want %q", got, tt.wantKey)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	config := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	var served int
	handler := RateLimiter(NewInMemoryRateLimitStore(), config, IPKeyFunc(), m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/audit/export", nil)
		req.RemoteAddr = remoteAddr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i, wantRemaining := range []string{"1", "0"} {
		rr := send("10.0.0.1:1000")
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Remaining"); got != wantRemaining {
			t.Errorf("request %d: remaining = %s, want %s", i+1, got, wantRemaining)
		}
		if got := rr.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Errorf("request %d: limit = %s, want 2", i+1, got)
		}
	}

	rr := send("10.0.0.1:1000")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	retryAfter, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Errorf("Retry-After = %q, want 1..60", rr.Header().Get("Retry-After"))
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("missing X-RateLimit-Reset")
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if body.Error.Code != "rate_limited" {
		t.Errorf("error code = %q, want rate_limited", body.Error.Code)
	}

	if rr := send("10.0.0.2:1000"); rr.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rr.Code)
	}
	if served != 3 {
		t.Errorf("handler served %d requests, want 3", served)
	}

	labels := map[string]string{"endpoint": "/audit/export", "key_type": "ip"}
	if got := gatheredCounter(t, reg, MetricRateLimitRequests, labels); got != 4 {
		t.Errorf("rate limit checks = %v, want 4", got)
	}
	if got := gatheredCounter(t, reg, MetricRateLimitBlocked, labels); got != 1 {
		t.Errorf("rate limit blocks = %v, want 1", got)
	}
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimitConfig
		wantErr bool
	}{
		{"valid", RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}, false},
		{"zero requests", RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Minute}, true},
		{"negative requests", RateLimitConfig{RequestsPerWindow: -1, WindowDuration: time.Minute}, true},
		{"zero window", RateLimitConfig{RequestsPerWindow: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultLimits(t *testing.T) {
	for name, cfg := range map[string]RateLimitConfig{
		"global": DefaultGlobalLimit(),
		"search": DefaultSearchLimit(),
		"export": DefaultExportLimit(),
	} {
		if err := cfg.Validate(); err != nil {
			t.Errorf("%s default invalid: %v", name, err)
		}
	}

	cfg := DefaultExportLimit()
	cfg.RequestsPerWindow = 1000
	if DefaultExportLimit().RequestsPerWindow == 1000 {
		t.Error("modifying a returned default changed the package default")
	}
}

var _ RateLimitStore = (*InMemoryRateLimitStore)(nil)
var _ RateLimitStore = (*RedisRateLimitStore)(nil)
