// Package audit records who did what to which entity, when and why, as an
// append-only log whose entries are linked by a SHA-256 hash chain so that any
// later modification of stored records can be detected.
package audit

import (
	"strings"
	"time"
)

// GenesisHash is the PreviousHash of the first entry ever committed to a store.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CurrentSchemaVersion is stamped on every new entry and is part of the hash input.
const CurrentSchemaVersion = 1

// Field limits mirrored by the audit_trail column definitions.
const (
	MaxEntityTypeLength   = 50
	MaxUserRoleLength     = 50
	MaxChangeReasonLength = 500
)

// EventType is the closed category of an audited action.
type EventType string

// Event types.
const (
	EventEntityCreated        EventType = "ENTITY_CREATED"
	EventEntityUpdated        EventType = "ENTITY_UPDATED"
	EventEntityDeleted        EventType = "ENTITY_DELETED"
	EventEntityViewed         EventType = "ENTITY_VIEWED"
	EventEntityCreateFailed   EventType = "ENTITY_CREATE_FAILED"
	EventEntityUpdateFailed   EventType = "ENTITY_UPDATE_FAILED"
	EventEntityDeleteFailed   EventType = "ENTITY_DELETE_FAILED"
	EventLoginSuccess         EventType = "LOGIN_SUCCESS"
	EventLoginFailure         EventType = "LOGIN_FAILURE"
	EventLogout               EventType = "LOGOUT"
	EventPermissionGranted    EventType = "PERMISSION_GRANTED"
	EventPermissionRevoked    EventType = "PERMISSION_REVOKED"
	EventPermissionDenied     EventType = "PERMISSION_DENIED"
	EventRoleAssigned         EventType = "ROLE_ASSIGNED"
	EventRoleRemoved          EventType = "ROLE_REMOVED"
	EventSecurityViolation    EventType = "SECURITY_VIOLATION"
	EventDataExportStarted    EventType = "DATA_EXPORT_STARTED"
	EventDataExportCompleted  EventType = "DATA_EXPORT_COMPLETED"
	EventDataExportFailed     EventType = "DATA_EXPORT_FAILED"
	EventDataAnonymized       EventType = "DATA_ANONYMIZED"
	EventGDPRRequest          EventType = "GDPR_REQUEST"
	EventConfigurationChanged EventType = "CONFIGURATION_CHANGED"
	EventSystemStartup        EventType = "SYSTEM_STARTUP"
	EventSystemShutdown       EventType = "SYSTEM_SHUTDOWN"
	EventMaintenanceMode      EventType = "MAINTENANCE_MODE_ENABLED"
	EventRetentionPurged      EventType = "RETENTION_PURGED"
	EventErrorOccurred        EventType = "ERROR_OCCURRED"
	EventCriticalError        EventType = "CRITICAL_ERROR"
)

// AllEventTypes lists every known event type in declaration order.
var AllEventTypes = []EventType{
	EventEntityCreated, EventEntityUpdated, EventEntityDeleted, EventEntityViewed,
	EventEntityCreateFailed, EventEntityUpdateFailed, EventEntityDeleteFailed,
	EventLoginSuccess, EventLoginFailure, EventLogout,
	EventPermissionGranted, EventPermissionRevoked, EventPermissionDenied,
	EventRoleAssigned, EventRoleRemoved, EventSecurityViolation,
	EventDataExportStarted, EventDataExportCompleted, EventDataExportFailed,
	EventDataAnonymized, EventGDPRRequest, EventConfigurationChanged,
	EventSystemStartup, EventSystemShutdown, EventMaintenanceMode, EventRetentionPurged,
	EventErrorOccurred, EventCriticalError,
}

var knownEventTypes = func() map[EventType]bool {
	m := make(map[EventType]bool, len(AllEventTypes))
	for _, t := range AllEventTypes {
		m[t] = true
	}
	return m
}()

// failureCounterparts maps an event type to the type recorded when the audited
// operation fails. Types not listed fall back to EventErrorOccurred.
var failureCounterparts = map[EventType]EventType{
	EventEntityCreated:       EventEntityCreateFailed,
	EventEntityUpdated:       EventEntityUpdateFailed,
	EventEntityDeleted:       EventEntityDeleteFailed,
	EventLoginSuccess:        EventLoginFailure,
	EventPermissionGranted:   EventPermissionDenied,
	EventDataExportStarted:   EventDataExportFailed,
	EventDataExportCompleted: EventDataExportFailed,
	EventSystemStartup:       EventCriticalError,
}

// IsValid reports whether t is one of the known event types.
func (t EventType) IsValid() bool {
	return knownEventTypes[t]
}

// FailureCounterpart returns the event type recorded when the operation
// described by t fails.
func (t EventType) FailureCounterpart() EventType {
	if f, ok := failureCounterparts[t]; ok {
		return f
	}
	return EventErrorOccurred
}

// IsFailure reports whether t describes a failed or rejected operation.
func (t EventType) IsFailure() bool {
	s := string(t)
	return strings.Contains(s, "FAILURE") ||
		strings.Contains(s, "FAILED") ||
		strings.Contains(s, "DENIED") ||
		strings.Contains(s, "ERROR") ||
		strings.Contains(s, "VIOLATION")
}

// IsSecurityRelevant reports whether t belongs to the security event family.
func (t EventType) IsSecurityRelevant() bool {
	s := string(t)
	return strings.HasPrefix(s, "LOGIN") ||
		strings.HasPrefix(s, "PERMISSION") ||
		strings.HasPrefix(s, "ROLE") ||
		t == EventLogout ||
		t == EventSecurityViolation ||
		t == EventGDPRRequest
}

// RequiresNotification reports whether entries of type t need follow-up by
// the security team.
func (t EventType) RequiresNotification() bool {
	switch t {
	case EventLoginFailure, EventPermissionDenied, EventSecurityViolation,
		EventCriticalError, EventGDPRRequest, EventDataExportFailed:
		return true
	}
	return false
}

// IsCritical reports whether t is shown as a critical event on dashboards.
func (t EventType) IsCritical() bool {
	if t.IsFailure() {
		return true
	}
	switch t {
	case EventPermissionGranted, EventPermissionRevoked, EventRoleAssigned, EventRoleRemoved,
		EventDataExportStarted, EventDataExportCompleted:
		return true
	}
	return false
}

// Source identifies the channel through which an audited action arrived.
type Source string

// Sources.
const (
	SourceSystem  Source = "SYSTEM"
	SourceAPI     Source = "API"
	SourceUI      Source = "UI"
	SourceWebhook Source = "WEBHOOK"
	SourceBatch   Source = "BATCH"
)

// IsValid reports whether s is a known source.
func (s Source) IsValid() bool {
	switch s {
	case SourceSystem, SourceAPI, SourceUI, SourceWebhook, SourceBatch:
		return true
	}
	return false
}

// Entry is a committed audit record. Entries are immutable once committed;
// the only later change is removal by retention.
type Entry struct {
	ID       string `json:"id"`
	Sequence int64  `json:"sequence"`

	EventType  EventType `json:"event_type"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty"`

	// Actor identity as it was at the time of the event.
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	UserRole string `json:"user_role"`

	OldValue     string `json:"old_value,omitempty"`
	NewValue     string `json:"new_value,omitempty"`
	ChangeReason string `json:"change_reason,omitempty"`
	UserComment  string `json:"user_comment,omitempty"`

	Source      Source `json:"source"`
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	APIEndpoint string `json:"api_endpoint,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`

	DataHash      string `json:"data_hash"`
	PreviousHash  string `json:"previous_hash"`
	SchemaVersion int    `json:"schema_version"`
}

// Clone returns a copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Actor is the identity performing an audited action.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// SystemActor is used when neither the request nor its context carry an identity.
var SystemActor = Actor{ID: "system", Name: "system", Role: "SYSTEM"}

// Request is the inbound call contract for recording an audit event.
type Request struct {
	EventType  EventType
	EntityType string
	EntityID   string

	// Actor overrides the identity found in the context when ID is set.
	Actor Actor

	// OldValue and NewValue are opaque snapshots. Strings are stored verbatim,
	// anything else is JSON encoded.
	OldValue any
	NewValue any

	ChangeReason string
	UserComment  string

	Source      Source
	IPAddress   string
	UserAgent   string
	RequestID   string
	APIEndpoint string

	// Async selects RecordAsync when the request goes through Wrap.
	Async bool
}

// IssueKind classifies an integrity finding.
type IssueKind string

// Integrity issue kinds.
const (
	IssueHashMismatch IssueKind = "HASH_MISMATCH"
	IssueChainBreak   IssueKind = "CHAIN_BREAK"
)

// IntegrityIssue describes one tamper finding produced by VerifyIntegrity.
type IntegrityIssue struct {
	EntryID  string    `json:"entry_id"`
	Sequence int64     `json:"sequence"`
	Kind     IssueKind `json:"kind"`
	Details  string    `json:"details"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
}
