// Package stream provides the WebSocket live feed of committed audit entries.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/audittrail/internal/audit"
)

// writeTimeout bounds a single delivery to one subscriber.
const writeTimeout = 5 * time.Second

// Filter selects the entries a subscriber receives. Empty fields match all.
type Filter struct {
	EventTypes []audit.EventType
	EntityType string
}

func (f Filter) matches(e *audit.Entry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// Conn is the subset of *websocket.Conn used by the broadcaster.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

type subscriber struct {
	filter Filter
	mu     sync.Mutex // serializes writes; gorilla connections allow one writer
}

// EntryBroadcaster fans committed audit entries out to WebSocket subscribers.
// It implements audit.Publisher.
type EntryBroadcaster struct {
	mu          sync.RWMutex
	connections map[Conn]*subscriber
	metrics     *Metrics
	logger      *slog.Logger
}

// NewEntryBroadcaster creates a new broadcaster. metrics may be nil.
func NewEntryBroadcaster(metrics *Metrics, logger *slog.Logger) *EntryBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntryBroadcaster{
		connections: make(map[Conn]*subscriber),
		metrics:     metrics,
		logger:      logger,
	}
}

// Subscribe registers a connection to receive entries matching filter.
func (b *EntryBroadcaster) Subscribe(conn Conn, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connections[conn] = &subscriber{filter: filter}
	if b.metrics != nil {
		b.metrics.IncSubscribes()
	}
}

// Unsubscribe removes a connection.
func (b *EntryBroadcaster) Unsubscribe(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.connections[conn]; !ok {
		return
	}
	delete(b.connections, conn)
	if b.metrics != nil {
		b.metrics.IncUnsubscribes()
	}
}

// Publish sends entry to every subscriber whose filter matches.
func (b *EntryBroadcaster) Publish(entry *audit.Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.connections) == 0 {
		return
	}

	// Serialize once
	data, err := json.Marshal(entry)
	if err != nil {
		b.logger.Error("failed to marshal audit entry for live feed", slog.String("error", err.Error()))
		return
	}

	for conn, sub := range b.connections {
		if !sub.filter.matches(entry) {
			continue
		}
		sub.mu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		sub.mu.Unlock()

		if err != nil {
			b.logger.Warn("failed to send audit entry to websocket client",
				slog.String("error", err.Error()),
				slog.String("entry_id", entry.ID),
			)
			if b.metrics != nil {
				b.metrics.IncSendErrors()
			}
			// Connection will be cleaned up when client disconnects
			continue
		}
		if b.metrics != nil {
			b.metrics.IncMessages()
		}
	}
}

// ConnectionCount returns the number of active subscribers.
func (b *EntryBroadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}
