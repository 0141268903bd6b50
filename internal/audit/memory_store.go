package audit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// InMemoryStore is an in-memory implementation of Store.
// Used for testing and development. Thread-safe via RWMutex; the write lock
// doubles as the chain lock.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry // ascending Sequence
	byID    map[string]int
	head    ChainHead
	epochs  []EpochBoundary
	now     func() time.Time
}

// NewInMemoryStore creates an empty in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make([]*Entry, 0),
		byID:    make(map[string]int),
		head:    GenesisHead,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append implements Appender.
func (s *InMemoryStore) Append(ctx context.Context, seal SealFunc) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := seal(s.head)
	if err != nil {
		return nil, err
	}
	if err := checkSealed(entry, s.head); err != nil {
		return nil, err
	}

	stored := entry.Clone()
	s.byID[stored.ID] = len(s.entries)
	s.entries = append(s.entries, stored)
	s.head = ChainHead{Sequence: stored.Sequence, Hash: stored.DataHash}

	return stored.Clone(), nil
}

// Head returns the current chain head.
func (s *InMemoryStore) Head() ChainHead {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Get implements Reader.
func (s *InMemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.entries[idx].Clone(), nil
}

// Scan implements Reader.
func (s *InMemoryStore) Scan(_ context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, _ := slices.BinarySearchFunc(s.entries, fromSeq, func(e *Entry, seq int64) int {
		return compareInt64(e.Sequence, seq)
	})

	var results []*Entry
	for i := start; i < len(s.entries) && s.entries[i].Sequence <= toSeq; i++ {
		results = append(results, s.entries[i].Clone())
	}
	return results, nil
}

// SequenceRange implements Reader.
func (s *InMemoryStore) SequenceRange(_ context.Context, from, to time.Time) (int64, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var first, last int64
	found := false
	for _, e := range s.entries {
		if e.OccurredAt.Before(from) || e.OccurredAt.After(to) {
			continue
		}
		if !found || e.Sequence < first {
			first = e.Sequence
		}
		if !found || e.Sequence > last {
			last = e.Sequence
		}
		found = true
	}
	return first, last, found, nil
}

// FindByEntity implements Reader.
func (s *InMemoryStore) FindByEntity(ctx context.Context, entityType, entityID string, page Page) ([]*Entry, error) {
	return s.Search(ctx, Criteria{EntityType: entityType, EntityID: entityID, Page: page})
}

// FindByUser implements Reader.
func (s *InMemoryStore) FindByUser(ctx context.Context, userID string, from, to time.Time, page Page) ([]*Entry, error) {
	return s.Search(ctx, Criteria{UserID: userID, From: from, To: to, Page: page})
}

// FindByEventType implements Reader.
func (s *InMemoryStore) FindByEventType(ctx context.Context, eventType EventType, from, to time.Time, page Page) ([]*Entry, error) {
	return s.Search(ctx, Criteria{EventTypes: []EventType{eventType}, From: from, To: to, Page: page})
}

// Search implements Reader.
func (s *InMemoryStore) Search(_ context.Context, c Criteria) ([]*Entry, error) {
	matched := s.matching(c)

	offset := c.Page.Offset()
	if offset >= len(matched) {
		return []*Entry{}, nil
	}
	matched = matched[offset:]
	if c.Page.Size > 0 && len(matched) > c.Page.Size {
		matched = matched[:c.Page.Size]
	}
	return matched, nil
}

// Stream implements Reader. It iterates over a snapshot taken when called.
func (s *InMemoryStore) Stream(ctx context.Context, c Criteria, fn func(*Entry) error) error {
	for _, e := range s.matching(c) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Count implements Reader.
func (s *InMemoryStore) Count(_ context.Context, c Criteria) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.entries {
		if c.Matches(e) {
			n++
		}
	}
	return n, nil
}

// EpochBoundaries implements Reader.
func (s *InMemoryStore) EpochBoundaries(_ context.Context, fromSeq, toSeq int64) ([]EpochBoundary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []EpochBoundary
	for _, b := range s.epochs {
		if b.Sequence >= fromSeq && b.Sequence <= toSeq {
			results = append(results, b)
		}
	}
	return results, nil
}

// DeleteOlderThan implements Pruner.
func (s *InMemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]*Entry, 0, len(s.entries))
	var deleted int64
	var boundaries []int64
	predecessorDeleted := false
	for _, e := range s.entries {
		if e.OccurredAt.Before(cutoff) {
			deleted++
			predecessorDeleted = true
			continue
		}
		if predecessorDeleted {
			boundaries = append(boundaries, e.Sequence)
		}
		predecessorDeleted = false
		kept = append(kept, e)
	}
	// The head stays put, so the next append links to a deleted entry.
	if predecessorDeleted {
		boundaries = append(boundaries, s.head.Sequence+1)
	}

	if dryRun || deleted == 0 {
		return deleted, nil
	}

	now := s.now()
	for _, seq := range boundaries {
		s.epochs = append(s.epochs, EpochBoundary{
			Sequence:     seq,
			Cutoff:       cutoff,
			DeletedCount: deleted,
			CreatedAt:    now,
		})
	}

	s.entries = kept
	s.byID = make(map[string]int, len(kept))
	for i, e := range kept {
		s.byID[e.ID] = i
	}

	return deleted, nil
}

// matching returns copies of entries matching c, most recent first.
func (s *InMemoryStore) matching(c Criteria) []*Entry {
	s.mu.RLock()
	var results []*Entry
	for _, e := range s.entries {
		if c.Matches(e) {
			results = append(results, e.Clone())
		}
	}
	s.mu.RUnlock()

	sortRecentFirst(results)
	return results
}

// sortRecentFirst orders entries by OccurredAt descending, then Sequence descending.
func sortRecentFirst(entries []*Entry) {
	slices.SortFunc(entries, func(a, b *Entry) int {
		if c := b.OccurredAt.Compare(a.OccurredAt); c != 0 {
			return c
		}
		return compareInt64(b.Sequence, a.Sequence)
	})
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
