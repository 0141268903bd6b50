package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []*Entry
}

func (p *recordingPublisher) Publish(e *Entry) {
	p.mu.Lock()
	p.entries = append(p.entries, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func waitTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCommandService_Record(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.commands.Record(ctx, &Request{
		EventType:    EventEntityUpdated,
		EntityType:   "Invoice",
		EntityID:     "inv-1",
		Actor:        Actor{ID: "u-1", Name: "Ada", Role: "ADMIN"},
		OldValue:     map[string]int{"total": 10},
		NewValue:     `{"total":12}`,
		ChangeReason: "price correction",
		Source:       SourceAPI,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	e, err := env.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Sequence != 1 || e.PreviousHash != GenesisHash {
		t.Errorf("first entry = seq %d prev %s", e.Sequence, e.PreviousHash)
	}
	if e.OldValue != `{"total":10}` {
		t.Errorf("OldValue = %q, want JSON encoding", e.OldValue)
	}
	if e.NewValue != `{"total":12}` {
		t.Errorf("NewValue = %q, want string stored verbatim", e.NewValue)
	}
	if e.UserID != "u-1" || e.UserName != "Ada" || e.UserRole != "ADMIN" {
		t.Errorf("actor = %s/%s/%s", e.UserID, e.UserName, e.UserRole)
	}
	if e.Source != SourceAPI {
		t.Errorf("Source = %s, want API", e.Source)
	}
	if !e.OccurredAt.Equal(testStart) {
		t.Errorf("OccurredAt = %v, want %v", e.OccurredAt, testStart)
	}
	if e.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %d", e.SchemaVersion)
	}
	if !VerifyHash(e) {
		t.Error("stored entry hash does not verify")
	}

	if got := counterValue(t, env.metrics.entriesRecorded.WithLabelValues(ModeSync, OutcomeSuccess)); got != 1 {
		t.Errorf("sync success counter = %v, want 1", got)
	}
}

func TestCommandService_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		want error
	}{
		{"nil request", nil, ErrNilRequest},
		{"unknown event type", &Request{EventType: "NOPE", EntityType: "Order"}, ErrInvalidEventType},
		{"empty event type", &Request{EntityType: "Order"}, ErrInvalidEventType},
		{"missing entity type", &Request{EventType: EventEntityCreated}, ErrMissingEntityType},
		{
			"entity type too long",
			&Request{EventType: EventEntityCreated, EntityType: strings.Repeat("x", MaxEntityTypeLength+1)},
			ErrEntityTypeTooLong,
		},
		{
			"change reason too long",
			&Request{EventType: EventEntityCreated, EntityType: "Order", ChangeReason: strings.Repeat("x", MaxChangeReasonLength+1)},
			ErrChangeReasonTooLong,
		},
		{
			"role too long",
			&Request{EventType: EventEntityCreated, EntityType: "Order", Actor: Actor{ID: "u", Role: strings.Repeat("x", MaxUserRoleLength+1)}},
			ErrUserRoleTooLong,
		},
		{"invalid source", &Request{EventType: EventEntityCreated, EntityType: "Order", Source: "CLI"}, ErrInvalidSource},
		{"unencodable value", &Request{EventType: EventEntityCreated, EntityType: "Order", NewValue: make(chan int)}, ErrValueEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			_, err := env.commands.Record(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Record() error = %v, want %v", err, tt.want)
			}

			pending, err := env.commands.RecordAsync(context.Background(), tt.req)
			if !errors.Is(err, tt.want) || pending != nil {
				t.Errorf("RecordAsync() = (%v, %v), want (nil, %v)", pending, err, tt.want)
			}

			if n, _ := env.store.Count(context.Background(), Criteria{}); n != 0 {
				t.Errorf("store has %d entries after rejected request", n)
			}
		})
	}
}

func TestCommandService_BoundaryLengthsAccepted(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.commands.Record(context.Background(), &Request{
		EventType:    EventEntityCreated,
		EntityType:   strings.Repeat("e", MaxEntityTypeLength),
		ChangeReason: strings.Repeat("r", MaxChangeReasonLength),
		Actor:        Actor{ID: "u", Role: strings.Repeat("o", MaxUserRoleLength)},
	})
	if err != nil {
		t.Errorf("Record() at maximum lengths error = %v", err)
	}
}

func TestCommandService_ActorFallback(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		req  Actor
		want Actor
	}{
		{
			name: "explicit actor wins",
			ctx:  WithActor(context.Background(), Actor{ID: "ctx", Name: "Ctx", Role: "USER"}),
			req:  Actor{ID: "req", Name: "Req", Role: "ADMIN"},
			want: Actor{ID: "req", Name: "Req", Role: "ADMIN"},
		},
		{
			name: "context actor",
			ctx:  WithActor(context.Background(), Actor{ID: "ctx", Name: "Ctx", Role: "USER"}),
			want: Actor{ID: "ctx", Name: "Ctx", Role: "USER"},
		},
		{
			name: "system actor",
			ctx:  context.Background(),
			want: SystemActor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			id, err := env.commands.Record(tt.ctx, &Request{EventType: EventEntityViewed, EntityType: "Order", Actor: tt.req})
			if err != nil {
				t.Fatalf("Record() error = %v", err)
			}
			e, _ := env.store.Get(context.Background(), id)
			got := Actor{ID: e.UserID, Name: e.UserName, Role: e.UserRole}
			if got != tt.want {
				t.Errorf("actor = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCommandService_RequestMetadataFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := WithRequestMetadata(context.Background(), RequestMetadata{
		IPAddress:   "203.0.113.9",
		UserAgent:   "browser",
		RequestID:   "req-ctx",
		APIEndpoint: "/orders",
		Source:      SourceUI,
	})

	id, err := env.commands.Record(ctx, &Request{
		EventType:  EventEntityViewed,
		EntityType: "Order",
		RequestID:  "req-explicit",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	e, _ := env.store.Get(context.Background(), id)
	if e.IPAddress != "203.0.113.9" || e.UserAgent != "browser" || e.APIEndpoint != "/orders" {
		t.Errorf("metadata not taken from context: %+v", e)
	}
	if e.RequestID != "req-explicit" {
		t.Errorf("RequestID = %q, want explicit value", e.RequestID)
	}
	if e.Source != SourceUI {
		t.Errorf("Source = %s, want UI from context", e.Source)
	}
}

func TestCommandService_AnonymizesBeforeHashing(t *testing.T) {
	store := NewInMemoryStore()
	commands := NewCommandService(NewChainWriter(store), CommandConfig{
		AnonymizeIPs: true,
		Logger:       discardLogger(),
	})
	t.Cleanup(func() { _ = commands.Close(context.Background()) })

	id, err := commands.Record(context.Background(), &Request{
		EventType:  EventLoginSuccess,
		EntityType: SecurityEntityType,
		IPAddress:  "198.51.100.77",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	e, _ := store.Get(context.Background(), id)
	if e.IPAddress != "198.51.100.0" {
		t.Errorf("IPAddress = %q, want anonymized", e.IPAddress)
	}
	if !VerifyHash(e) {
		t.Error("hash must cover the anonymized address")
	}
}

func TestCommandService_StorageFailureSurfaces(t *testing.T) {
	store := &failingStore{InMemoryStore: NewInMemoryStore(), err: &storeError{msg: "disk full"}}
	metrics := NewMetrics()
	commands := NewCommandService(NewChainWriter(store), CommandConfig{Logger: discardLogger(), Metrics: metrics})
	t.Cleanup(func() { _ = commands.Close(context.Background()) })

	_, err := commands.Record(context.Background(), &Request{EventType: EventEntityCreated, EntityType: "Order"})
	var se *storeError
	if !errors.As(err, &se) || se.msg != "disk full" {
		t.Fatalf("Record() error = %v, want wrapped storeError", err)
	}
	if got := counterValue(t, metrics.entriesRecorded.WithLabelValues(ModeSync, OutcomeFailure)); got != 1 {
		t.Errorf("sync failure counter = %v, want 1", got)
	}
}

func TestCommandService_RecordAsyncDoesNotBlock(t *testing.T) {
	store := newBlockingStore()
	commands := NewCommandService(NewChainWriter(store), CommandConfig{AsyncWorkers: 1, AsyncQueueSize: 4, Logger: discardLogger()})
	t.Cleanup(func() { _ = commands.Close(context.Background()) })

	pending, err := commands.RecordAsync(context.Background(), &Request{EventType: EventEntityViewed, EntityType: "Order"})
	if err != nil {
		t.Fatalf("RecordAsync() error = %v", err)
	}

	<-store.entered
	select {
	case <-pending.Done():
		t.Fatal("pending resolved while store append is blocked")
	default:
	}
	if pending.ID() != "" || pending.Err() != nil {
		t.Error("unresolved pending should report no ID and no error")
	}

	close(store.release)
	id, err := pending.Wait(waitTimeout(t))
	if err != nil || id == "" {
		t.Fatalf("Wait() = (%q, %v)", id, err)
	}
	if pending.ID() != id {
		t.Errorf("ID() = %q, want %q", pending.ID(), id)
	}
	if _, err := store.Get(context.Background(), id); err != nil {
		t.Errorf("async entry not stored: %v", err)
	}
}

func TestCommandService_RecordAsyncSurvivesCallerCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	pending, err := env.commands.RecordAsync(ctx, &Request{EventType: EventEntityViewed, EntityType: "Order"})
	if err != nil {
		t.Fatalf("RecordAsync() error = %v", err)
	}
	cancel()

	if _, err := pending.Wait(waitTimeout(t)); err != nil {
		t.Errorf("async append failed after caller cancel: %v", err)
	}
}

func TestCommandService_QueueFull(t *testing.T) {
	store := newBlockingStore()
	metrics := NewMetrics()
	commands := NewCommandService(NewChainWriter(store), CommandConfig{
		AsyncWorkers:   1,
		AsyncQueueSize: 1,
		Logger:         discardLogger(),
		Metrics:        metrics,
	})
	t.Cleanup(func() { _ = commands.Close(context.Background()) })

	req := &Request{EventType: EventEntityViewed, EntityType: "Order"}
	ctx := context.Background()

	first, _ := commands.RecordAsync(ctx, req)
	<-store.entered // the worker holds the first job
	second, _ := commands.RecordAsync(ctx, req)
	third, err := commands.RecordAsync(ctx, req)
	if err != nil {
		t.Fatalf("RecordAsync() returned error %v; overflow is reported through Pending", err)
	}

	select {
	case <-third.Done():
	default:
		t.Fatal("overflowing request should resolve immediately")
	}
	if !errors.Is(third.Err(), ErrQueueFull) {
		t.Errorf("third.Err() = %v, want ErrQueueFull", third.Err())
	}
	if got := counterValue(t, metrics.asyncDropped); got != 1 {
		t.Errorf("dropped counter = %v, want 1", got)
	}

	close(store.release)
	for i, p := range []*Pending{first, second} {
		if _, err := p.Wait(waitTimeout(t)); err != nil {
			t.Errorf("pending %d error = %v", i, err)
		}
	}
}

func TestCommandService_CloseDrainsQueue(t *testing.T) {
	store := NewInMemoryStore()
	commands := NewCommandService(NewChainWriter(store), CommandConfig{AsyncWorkers: 2, AsyncQueueSize: 32, Logger: discardLogger()})

	var pendings []*Pending
	for i := 0; i < 20; i++ {
		p, err := commands.RecordAsync(context.Background(), &Request{EventType: EventEntityViewed, EntityType: "Order"})
		if err != nil {
			t.Fatalf("RecordAsync() error = %v", err)
		}
		pendings = append(pendings, p)
	}

	if err := commands.Close(waitTimeout(t)); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for i, p := range pendings {
		select {
		case <-p.Done():
		default:
			t.Fatalf("pending %d unresolved after Close", i)
		}
		if p.Err() != nil {
			t.Errorf("pending %d error = %v", i, p.Err())
		}
	}
	if n, _ := store.Count(context.Background(), Criteria{}); n != 20 {
		t.Errorf("stored %d entries, want 20", n)
	}

	after, err := commands.RecordAsync(context.Background(), &Request{EventType: EventEntityViewed, EntityType: "Order"})
	if err != nil {
		t.Fatalf("RecordAsync() after Close error = %v", err)
	}
	if !errors.Is(after.Err(), ErrServiceClosed) {
		t.Errorf("after Close Err() = %v, want ErrServiceClosed", after.Err())
	}
	if err := commands.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestCommandService_AsyncFailureCallback(t *testing.T) {
	store := &failingStore{InMemoryStore: NewInMemoryStore(), err: &storeError{msg: "unavailable"}}
	var (
		mu     sync.Mutex
		failed []Request
	)
	commands := NewCommandService(NewChainWriter(store), CommandConfig{
		AsyncWorkers: 1,
		Logger:       discardLogger(),
		OnAsyncFailure: func(req Request, err error) {
			mu.Lock()
			failed = append(failed, req)
			mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = commands.Close(context.Background()) })

	pending, err := commands.RecordAsync(context.Background(), &Request{EventType: EventEntityCreated, EntityType: "Order", EntityID: "o-9"})
	if err != nil {
		t.Fatalf("RecordAsync() error = %v", err)
	}
	_, err = pending.Wait(waitTimeout(t))
	var se *storeError
	if !errors.As(err, &se) {
		t.Fatalf("Wait() error = %v, want storeError", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0].EntityID != "o-9" {
		t.Errorf("OnAsyncFailure calls = %+v", failed)
	}
}

func TestCommandService_ConcurrentRecordsFormValidChain(t *testing.T) {
	env := newTestEnv(t)
	const n = 50

	var wg sync.WaitGroup
	pendings := make([]*Pending, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &Request{EventType: EventEntityViewed, EntityType: "Order"}
			if i%2 == 0 {
				if _, err := env.commands.Record(context.Background(), req); err != nil {
					t.Errorf("Record() error = %v", err)
				}
				return
			}
			p, err := env.commands.RecordAsync(context.Background(), req)
			if err != nil {
				t.Errorf("RecordAsync() error = %v", err)
				return
			}
			pendings[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range pendings {
		if p == nil {
			continue
		}
		if _, err := p.Wait(waitTimeout(t)); err != nil {
			t.Fatalf("async record error = %v", err)
		}
	}

	issues, err := env.queries.VerifyIntegrity(context.Background(), testStart.Add(-time.Hour), testStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("VerifyIntegrity() error = %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("VerifyIntegrity() = %+v, want no issues", issues)
	}
	if head := env.store.Head(); head.Sequence != n {
		t.Errorf("head sequence = %d, want %d", head.Sequence, n)
	}
}

func TestCommandService_WrapSuccess(t *testing.T) {
	env := newTestEnv(t)
	called := false
	err := env.commands.Wrap(context.Background(), &Request{
		EventType:  EventEntityDeleted,
		EntityType: "Order",
		EntityID:   "o-1",
	}, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("Wrap() = %v, called = %v", err, called)
	}

	got, _ := env.store.FindByEntity(context.Background(), "Order", "o-1", Page{Size: 10})
	if len(got) != 1 || got[0].EventType != EventEntityDeleted {
		t.Errorf("entries = %+v, want one ENTITY_DELETED", got)
	}
}

type opError struct{}

func (opError) Error() string { return "constraint violated" }

func TestCommandService_WrapFailureRecordsCounterpart(t *testing.T) {
	env := newTestEnv(t)
	err := env.commands.Wrap(context.Background(), &Request{
		EventType:  EventEntityUpdated,
		EntityType: "Order",
		EntityID:   "o-1",
		NewValue:   map[string]int{"qty": 3},
		Async:      true,
	}, func(context.Context) error {
		return opError{}
	})
	if !errors.Is(err, opError{}) {
		t.Fatalf("Wrap() error = %v, want the operation error", err)
	}

	got, _ := env.store.FindByEntity(context.Background(), "Order", "o-1", Page{Size: 10})
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if got[0].EventType != EventEntityUpdateFailed {
		t.Errorf("EventType = %s, want ENTITY_UPDATE_FAILED", got[0].EventType)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(got[0].NewValue), &payload); err != nil {
		t.Fatalf("NewValue is not JSON: %v", err)
	}
	if payload["error"] != true || payload["message"] != "constraint violated" {
		t.Errorf("payload = %v", payload)
	}
	if payload["exception"] != "audit.opError" {
		t.Errorf("exception = %v, want audit.opError", payload["exception"])
	}
	original, ok := payload["original"].(map[string]any)
	if !ok || original["qty"] != float64(3) {
		t.Errorf("original = %v", payload["original"])
	}
}

func TestCommandService_WrapFailureAuditErrorReturnsOperationError(t *testing.T) {
	store := &failingStore{InMemoryStore: NewInMemoryStore(), err: &storeError{msg: "down"}}
	commands := NewCommandService(NewChainWriter(store), CommandConfig{Logger: discardLogger()})
	t.Cleanup(func() { _ = commands.Close(context.Background()) })

	opErr := errors.New("business failure")
	err := commands.Wrap(context.Background(), &Request{EventType: EventEntityCreated, EntityType: "Order"},
		func(context.Context) error { return opErr })
	if err != opErr {
		t.Errorf("Wrap() error = %v, want the operation error unchanged", err)
	}
}

func TestCommandService_RecordSecurityEvent(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.commands.RecordSecurityEvent(context.Background(), EventSecurityViolation, "token replay")
	if err != nil {
		t.Fatalf("RecordSecurityEvent() error = %v", err)
	}
	e, _ := env.store.Get(context.Background(), id)
	if e.EntityType != SecurityEntityType || e.EventType != EventSecurityViolation {
		t.Errorf("entry = %s/%s", e.EntityType, e.EventType)
	}
	if e.NewValue != `{"details":"token replay"}` {
		t.Errorf("NewValue = %q", e.NewValue)
	}
	if e.UserID != SystemActor.ID {
		t.Errorf("UserID = %q, want system actor", e.UserID)
	}
}

func TestCommandService_RecordExport(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.commands.RecordExport(context.Background(), "audit_csv", map[string]string{"format": "csv"})
	if err != nil {
		t.Fatalf("RecordExport() error = %v", err)
	}
	e, _ := env.store.Get(context.Background(), id)
	if e.EventType != EventDataExportStarted || e.EntityType != ExportEntityType || e.EntityID != "audit_csv" {
		t.Errorf("entry = %s/%s/%s", e.EventType, e.EntityType, e.EntityID)
	}
	if e.NewValue != `{"format":"csv"}` {
		t.Errorf("NewValue = %q", e.NewValue)
	}
}

func TestCommandService_Publisher(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewInMemoryStore()
	commands := NewCommandService(NewChainWriter(store), CommandConfig{Logger: discardLogger(), Publisher: pub})
	t.Cleanup(func() { _ = commands.Close(context.Background()) })

	id, err := commands.Record(context.Background(), &Request{EventType: EventEntityCreated, EntityType: "Order"})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if pub.len() != 1 || pub.entries[0].ID != id {
		t.Fatalf("published %d entries", pub.len())
	}

	pub.entries[0].NewValue = "mutated"
	stored, _ := store.Get(context.Background(), id)
	if stored.NewValue == "mutated" {
		t.Error("publisher received a shared entry")
	}

	failing := &failingStore{InMemoryStore: NewInMemoryStore(), err: errors.New("down")}
	failCommands := NewCommandService(NewChainWriter(failing), CommandConfig{Logger: discardLogger(), Publisher: pub})
	t.Cleanup(func() { _ = failCommands.Close(context.Background()) })
	_, _ = failCommands.Record(context.Background(), &Request{EventType: EventEntityCreated, EntityType: "Order"})
	if pub.len() != 1 {
		t.Error("failed appends must not be published")
	}
}

func TestPending_WaitRespectsContext(t *testing.T) {
	p := newPending()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}

	p.resolve("a", nil)
	p.resolve("b", errors.New("ignored"))
	if id, err := p.Wait(context.Background()); id != "a" || err != nil {
		t.Errorf("Wait() = (%q, %v), want first resolution", id, err)
	}
}
