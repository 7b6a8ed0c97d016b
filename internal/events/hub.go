// Package events fans presence changes out to in-process subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// SendTimeout bounds how long a publish may block on one subscriber.
const SendTimeout = 50 * time.Millisecond

// Event kinds, in the order a client typically sees them.
const (
	KindUserLogin        = "user_login"
	KindUserJoined       = "user_joined"
	KindUserLeft         = "user_left"
	KindUserDisconnected = "user_disconnected"
)

// Event is one presence change. At is an RFC 3339 UTC timestamp.
type Event struct {
	Kind     string `json:"type"`
	Username string `json:"username"`
	Channel  string `json:"channel,omitempty"`
	At       string `json:"at"`
}

// Hub distributes events to subscribers. Slow subscribers lose events
// rather than stall the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. Cancel closes the channel; a publish racing with cancel
// is absorbed by trySend.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)

	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish stamps and delivers an event to every subscriber.
func (h *Hub) Publish(kind, username, channel string) {
	ev := Event{
		Kind:     kind,
		Username: username,
		Channel:  channel,
		At:       time.Now().UTC().Format(time.RFC3339),
	}

	h.mu.RLock()
	targets := make([]chan Event, 0, len(h.subs))
	for _, ch := range h.subs {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	sent := 0
	for _, ch := range targets {
		if trySend(ch, ev) {
			sent++
		}
	}
	slog.Debug("event published", "kind", kind, "username", username, "recipients", sent, "total", len(targets))
}

func trySend(ch chan Event, ev Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- ev:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "kind", ev.Kind)
		return false
	}
}
