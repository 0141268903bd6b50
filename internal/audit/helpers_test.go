package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var testStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: testStart}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv wires the audit services over one store with a shared clock.
type testEnv struct {
	store     *InMemoryStore
	clock     *testClock
	metrics   *Metrics
	writer    *ChainWriter
	commands  *CommandService
	queries   *QueryService
	retention *RetentionManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   NewInMemoryStore(),
		clock:   newTestClock(),
		metrics: NewMetrics(),
	}
	maintenance := &sync.RWMutex{}
	env.writer = NewChainWriter(env.store, WithClock(env.clock.Now), WithChainMetrics(env.metrics))
	env.commands = NewCommandService(env.writer, CommandConfig{
		AsyncWorkers:   2,
		AsyncQueueSize: 16,
		Logger:         discardLogger(),
		Metrics:        env.metrics,
	})
	env.queries = NewQueryService(env.store, QueryConfig{
		Maintenance: maintenance,
		Metrics:     env.metrics,
		Logger:      discardLogger(),
		Now:         env.clock.Now,
	})
	env.retention = NewRetentionManager(env.store, RetentionConfig{
		Maintenance: maintenance,
		Recorder:    env.commands,
		Metrics:     env.metrics,
		Logger:      discardLogger(),
		Now:         env.clock.Now,
	})
	t.Cleanup(func() {
		env.retention.Stop()
		_ = env.commands.Close(context.Background())
	})
	return env
}

// record commits a simple entry at the current clock time.
func (env *testEnv) record(t *testing.T, eventType EventType, entityType, entityID, userID string) string {
	t.Helper()
	id, err := env.commands.Record(context.Background(), &Request{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      Actor{ID: userID, Name: userID, Role: "USER"},
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	return id
}

// storeError is a typed store failure used to check error propagation.
type storeError struct {
	msg string
}

func (e *storeError) Error() string { return e.msg }

// failingStore rejects every append.
type failingStore struct {
	*InMemoryStore
	err error
}

func (s *failingStore) Append(context.Context, SealFunc) (*Entry, error) {
	return nil, s.err
}

// blockingStore holds every append until release is closed.
type blockingStore struct {
	*InMemoryStore
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		InMemoryStore: NewInMemoryStore(),
		entered:       make(chan struct{}, 64),
		release:       make(chan struct{}),
	}
}

func (s *blockingStore) Append(ctx context.Context, seal SealFunc) (*Entry, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.InMemoryStore.Append(ctx, seal)
}

// writeGuardStore fails the test on any write call.
type writeGuardStore struct {
	Reader
	t *testing.T
}

func (s *writeGuardStore) Append(context.Context, SealFunc) (*Entry, error) {
	s.t.Errorf("unexpected Append on read-only path")
	return nil, errors.New("write not allowed")
}

func (s *writeGuardStore) DeleteOlderThan(context.Context, time.Time, bool) (int64, error) {
	s.t.Errorf("unexpected DeleteOlderThan on read-only path")
	return 0, errors.New("write not allowed")
}

// tamper mutates the stored entry with the given sequence in place.
func tamper(t *testing.T, s *InMemoryStore, seq int64, fn func(*Entry)) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Sequence == seq {
			fn(e)
			return
		}
	}
	t.Fatalf("no entry with sequence %d", seq)
}
