package audit

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store errors.
var (
	ErrNotFound     = errors.New("audit entry not found")
	ErrInvalidSeal  = errors.New("seal returned an entry that does not extend the chain head")
	ErrNilSealEntry = errors.New("seal returned nil entry")
)

// ChainHead is the sequence and data hash of the most recently committed
// entry. The head of an empty store is {0, GenesisHash}.
type ChainHead struct {
	Sequence int64
	Hash     string
}

// GenesisHead is the chain head of a store that has never committed an entry.
var GenesisHead = ChainHead{Sequence: 0, Hash: GenesisHash}

// SealFunc populates Sequence, PreviousHash and DataHash of a candidate entry
// from the current chain head. It runs while the store holds its chain lock
// and must not block.
type SealFunc func(head ChainHead) (*Entry, error)

// Page selects a window of a most-recent-first result set.
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of rows skipped before this page.
func (p Page) Offset() int {
	return p.Number * p.Size
}

// Criteria is a conjunction of optional filters. Zero values match everything.
type Criteria struct {
	UserID     string
	EntityType string
	EntityID   string
	EventTypes []EventType
	Sources    []Source
	From       time.Time
	To         time.Time
	// Text is a case-insensitive substring matched against ChangeReason and UserComment.
	Text string
	Page Page
}

// Matches reports whether e satisfies every filter set on c.
func (c Criteria) Matches(e *Entry) bool {
	if c.UserID != "" && e.UserID != c.UserID {
		return false
	}
	if c.EntityType != "" && e.EntityType != c.EntityType {
		return false
	}
	if c.EntityID != "" && e.EntityID != c.EntityID {
		return false
	}
	if len(c.EventTypes) > 0 && !containsEventType(c.EventTypes, e.EventType) {
		return false
	}
	if len(c.Sources) > 0 && !containsSource(c.Sources, e.Source) {
		return false
	}
	if !c.From.IsZero() && e.OccurredAt.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && e.OccurredAt.After(c.To) {
		return false
	}
	if c.Text != "" {
		needle := strings.ToLower(c.Text)
		if !strings.Contains(strings.ToLower(e.ChangeReason), needle) &&
			!strings.Contains(strings.ToLower(e.UserComment), needle) {
			return false
		}
	}
	return true
}

func containsEventType(list []EventType, t EventType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsSource(list []Source, s Source) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// EpochBoundary marks a surviving entry whose predecessor was removed by
// retention. Verification accepts the missing link at exactly these sequences.
type EpochBoundary struct {
	Sequence     int64
	Cutoff       time.Time
	DeletedCount int64
	CreatedAt    time.Time
}

// Reader is the read-only view of the entry store.
type Reader interface {
	// Get returns the entry with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// Scan returns entries with fromSeq <= Sequence <= toSeq in sequence order.
	Scan(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error)

	// SequenceRange returns the lowest and highest sequence of entries whose
	// OccurredAt lies in [from, to]. ok is false when no entry matches.
	SequenceRange(ctx context.Context, from, to time.Time) (first, last int64, ok bool, err error)

	// FindByEntity returns the history of one entity, most recent first.
	FindByEntity(ctx context.Context, entityType, entityID string, page Page) ([]*Entry, error)

	// FindByUser returns entries recorded for an actor in [from, to], most recent first.
	FindByUser(ctx context.Context, userID string, from, to time.Time, page Page) ([]*Entry, error)

	// FindByEventType returns entries of one type in [from, to], most recent first.
	FindByEventType(ctx context.Context, eventType EventType, from, to time.Time, page Page) ([]*Entry, error)

	// Search returns entries matching c, most recent first.
	Search(ctx context.Context, c Criteria) ([]*Entry, error)

	// Stream calls fn for every entry matching c, ignoring c.Page, most recent
	// first. Iteration stops at the first error returned by fn.
	Stream(ctx context.Context, c Criteria, fn func(*Entry) error) error

	// Count returns the number of entries matching c, ignoring c.Page.
	Count(ctx context.Context, c Criteria) (int64, error)

	// EpochBoundaries returns the recorded boundaries within [fromSeq, toSeq].
	EpochBoundaries(ctx context.Context, fromSeq, toSeq int64) ([]EpochBoundary, error)
}

// Appender is the only write path that extends the chain.
type Appender interface {
	// Append reads the chain head under the store's chain lock, calls seal and
	// persists the returned entry together with the new head. Either both are
	// committed or neither is.
	Append(ctx context.Context, seal SealFunc) (*Entry, error)
}

// Pruner removes entries for retention.
type Pruner interface {
	// DeleteOlderThan removes every entry with OccurredAt before cutoff and
	// returns how many were (or, with dryRun, would be) removed. The chain head
	// is never rewound.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)
}

// Store is the full entry store.
type Store interface {
	Reader
	Appender
	Pruner
}

// checkSealed validates the entry returned by a SealFunc against the head it
// was given.
func checkSealed(e *Entry, head ChainHead) error {
	if e == nil {
		return ErrNilSealEntry
	}
	if e.Sequence != head.Sequence+1 || e.PreviousHash != head.Hash {
		return ErrInvalidSeal
	}
	return nil
}
