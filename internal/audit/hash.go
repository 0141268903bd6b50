package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// canonicalEntry is the hash input. Field order is fixed by the toarray
// encoding and must never be reordered; add new fields at the end together
// with a schema version bump.
type canonicalEntry struct {
	_             struct{} `cbor:",toarray"`
	SchemaVersion int
	Sequence      int64
	ID            string
	OccurredAt    int64
	EventType     string
	EntityType    string
	EntityID      string
	UserID        string
	UserName      string
	UserRole      string
	OldValue      string
	NewValue      string
	ChangeReason  string
	UserComment   string
	Source        string
	IPAddress     string
	UserAgent     string
	RequestID     string
	APIEndpoint   string
}

var canonicalMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("audit: building canonical CBOR encoder: %v", err))
	}
	return em
}()

// CanonicalBytes returns the deterministic serialization of every entry field
// except DataHash and PreviousHash.
func CanonicalBytes(e *Entry) ([]byte, error) {
	return canonicalMode.Marshal(canonicalEntry{
		SchemaVersion: e.SchemaVersion,
		Sequence:      e.Sequence,
		ID:            e.ID,
		OccurredAt:    e.OccurredAt.UnixMicro(),
		EventType:     string(e.EventType),
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		UserID:        e.UserID,
		UserName:      e.UserName,
		UserRole:      e.UserRole,
		OldValue:      e.OldValue,
		NewValue:      e.NewValue,
		ChangeReason:  e.ChangeReason,
		UserComment:   e.UserComment,
		Source:        string(e.Source),
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		RequestID:     e.RequestID,
		APIEndpoint:   e.APIEndpoint,
	})
}

// ComputeHash returns hex(sha256(canonical(e) || e.PreviousHash)).
func ComputeHash(e *Entry) (string, error) {
	data, err := CanonicalBytes(e)
	if err != nil {
		return "", fmt.Errorf("canonical encoding: %w", err)
	}
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyHash reports whether e.DataHash matches the hash recomputed from its
// current field values.
func VerifyHash(e *Entry) bool {
	got, err := ComputeHash(e)
	if err != nil {
		return false
	}
	return got == e.DataHash
}
