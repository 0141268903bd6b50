package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/audittrail/internal/tracing"
)

// ChainWriter seals candidate entries into the hash chain and appends them
// to the store. It is the only component that assigns Sequence, PreviousHash
// and DataHash.
type ChainWriter struct {
	store   Appender
	metrics *Metrics
	now     func() time.Time
	newID   func() string
}

// ChainWriterOption configures a ChainWriter.
type ChainWriterOption func(*ChainWriter)

// WithClock overrides the clock used for OccurredAt.
func WithClock(now func() time.Time) ChainWriterOption {
	return func(w *ChainWriter) { w.now = now }
}

// WithIDGenerator overrides entry ID generation.
func WithIDGenerator(newID func() string) ChainWriterOption {
	return func(w *ChainWriter) { w.newID = newID }
}

// WithChainMetrics records append latency in m.
func WithChainMetrics(m *Metrics) ChainWriterOption {
	return func(w *ChainWriter) { w.metrics = m }
}

// NewChainWriter creates a ChainWriter appending to store.
func NewChainWriter(store Appender, opts ...ChainWriterOption) *ChainWriter {
	w := &ChainWriter{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Commit assigns identity and timestamp to candidate, then links and hashes
// it against the chain head inside the store's append critical section.
// Store errors are returned wrapped, never retried.
func (w *ChainWriter) Commit(ctx context.Context, candidate Entry) (entry *Entry, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "audit.chain.commit")
	defer func() { endSpan(err) }()

	candidate.ID = w.newID()
	candidate.OccurredAt = w.now().UTC().Truncate(time.Microsecond)
	candidate.SchemaVersion = CurrentSchemaVersion

	start := time.Now()
	entry, err = w.store.Append(ctx, func(head ChainHead) (*Entry, error) {
		sealed := candidate
		sealed.Sequence = head.Sequence + 1
		sealed.PreviousHash = head.Hash
		hash, err := ComputeHash(&sealed)
		if err != nil {
			return nil, err
		}
		sealed.DataHash = hash
		return &sealed, nil
	})
	if w.metrics != nil {
		w.metrics.ObserveAppendDuration(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	tracing.SetAttributes(ctx, tracing.EntryAttributes(entry.Sequence, string(entry.EventType), entry.EntityType)...)
	return entry, nil
}
