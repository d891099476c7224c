// Package telemetry fans relay lifecycle events out to in-process sinks:
// the event stream, the journal and the bus bridge.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a lifecycle event. Values double as bus subject suffixes.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionAttached  EventType = "session.attached"
	EventSessionPreempted EventType = "session.preempted"
	EventSessionDetached  EventType = "session.detached"
	EventSessionClosing   EventType = "session.closing"
	EventSessionClosed    EventType = "session.closed"
	EventSessionReaped    EventType = "session.reaped"
	EventStreamDegraded   EventType = "stream.degraded"
	EventInputFailed      EventType = "input.failed"
)

// Event is one lifecycle occurrence.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	ConnID    string         `json:"connId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Filter selects the events a subscriber receives.
type Filter func(Event) bool

// ForSession keeps events of one session.
func ForSession(id string) Filter {
	return func(ev Event) bool { return ev.SessionID == id }
}

// HasSession keeps events that belong to some session.
func HasSession() Filter {
	return func(ev Event) bool { return ev.SessionID != "" }
}

// OfTypes keeps events of the listed types.
func OfTypes(types ...EventType) Filter {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

const subscriberBuffer = 64

type subscriber struct {
	ch      chan Event
	filters []Filter
}

func (s *subscriber) wants(ev Event) bool {
	for _, f := range s.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

// Hub delivers each published event to every matching subscriber. A slow
// subscriber loses events rather than stalling the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	closed  bool
	dropped atomic.Uint64
}

// NewHub returns an open hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Publish stamps ev when it has no timestamp and never blocks.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber that receives events passing every
// filter. The returned func unsubscribes and closes the channel; it is
// safe to call more than once. Subscribing to a closed hub yields a closed
// channel.
func (h *Hub) Subscribe(filters ...Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), filters: filters}
	h.subs[sub] = struct{}{}
	return sub.ch, func() { h.remove(sub) }
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Dropped reports events discarded because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}
