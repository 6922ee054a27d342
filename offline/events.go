package offline

import (
	"sync"
	"time"
)

// EventType identifies an asynchronous notification to the UI layer.
type EventType string

const (
	EventQueueDrained        EventType = "queue.drained"
	EventEntryFailed         EventType = "queue.entry_failed"
	EventEntryAcknowledged   EventType = "queue.entry_acknowledged"
	EventRecordRekeyed       EventType = "record.rekeyed"
	EventConflictResolved    EventType = "sync.conflict_resolved"
	EventConnectivityChanged EventType = "connectivity.changed"
	EventQuotaExceeded       EventType = "storage.quota_exceeded"
)

// Event is delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type        EventType `json:"type"`
	At          time.Time `json:"at"`
	EntryID     string    `json:"entryId,omitempty"`
	RecordID    string    `json:"recordId,omitempty"`
	NewRecordID string    `json:"newRecordId,omitempty"`
	Online      bool      `json:"online"`
	Error       string    `json:"error,omitempty"`
	Code        string    `json:"code,omitempty"`
	Pending     int       `json:"pending"`
	Resolution  string    `json:"resolution,omitempty"`
}

// Handler receives events. Handlers run on the publisher's goroutine and must
// not block.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber. A zero At is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
