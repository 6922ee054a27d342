// Package notify pushes engine events to local clients over WebSocket and
// Server-Sent Events. Every event gets a sequence number so a reconnecting
// client can resume from the last one it saw.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

// Message is an event with its hub sequence number.
type Message struct {
	Seq uint64 `json:"seq"`
	offline.Event
}

// Source is anything events can be subscribed to, such as the engine.
type Source interface {
	Subscribe(h offline.Handler) (unsubscribe func())
}

// HubOptions configures a Hub.
type HubOptions struct {
	// History is how many past messages are kept for resuming clients.
	History int
	// ClientBuffer is the per-client queue; a client that falls further
	// behind is disconnected.
	ClientBuffer int
	Logger       *slog.Logger
}

type subscriber struct {
	ch     chan Message
	closed bool
}

// Hub fans events out to connected clients.
type Hub struct {
	opts   HubOptions
	logger *slog.Logger
	unsub  func()

	mu      sync.Mutex
	seq     uint64
	history []Message
	subs    map[*subscriber]struct{}
	closed  bool

	dropped atomic.Int64
}

// NewHub subscribes to src.
func NewHub(src Source, opts HubOptions) *Hub {
	if opts.History <= 0 {
		opts.History = 256
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("notify").Logger
	}
	h := &Hub{
		opts:   opts,
		logger: opts.Logger,
		subs:   make(map[*subscriber]struct{}),
	}
	h.unsub = src.Subscribe(h.publish)
	return h
}

// publish runs on the engine's goroutine and never blocks.
func (h *Hub) publish(e offline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	msg := Message{Seq: h.seq, Event: e}
	h.history = append(h.history, msg)
	if len(h.history) > h.opts.History {
		h.history = h.history[len(h.history)-h.opts.History:]
	}
	for s := range h.subs {
		select {
		case s.ch <- msg:
		default:
			h.dropped.Add(1)
			h.removeLocked(s)
			h.logger.Warn("client too slow, disconnecting", slog.Uint64("seq", msg.Seq))
		}
	}
}

func (h *Hub) removeLocked(s *subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s)
	close(s.ch)
}

// Subscribe returns the retained messages after since and a channel for new
// ones. The channel is closed when the client falls behind or the hub closes.
func (h *Hub) Subscribe(since uint64) (backlog []Message, ch <-chan Message, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.history {
		if m.Seq > since {
			backlog = append(backlog, m)
		}
	}
	s := &subscriber{ch: make(chan Message, h.opts.ClientBuffer)}
	if h.closed {
		close(s.ch)
		return backlog, s.ch, func() {}
	}
	h.subs[s] = struct{}{}
	return backlog, s.ch, func() {
		h.mu.Lock()
		h.removeLocked(s)
		h.mu.Unlock()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts clients disconnected for being too slow.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close stops receiving events and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for s := range h.subs {
		h.removeLocked(s)
	}
	h.mu.Unlock()
	h.unsub()
}
