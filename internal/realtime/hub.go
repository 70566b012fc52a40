// Package realtime fans session events out to connected subscribers.
//
// Subscribers join per-session groups. Publish delivers an event at most
// once to each subscriber currently in the group and never blocks: a
// subscriber whose buffer is full misses the event. Nothing is replayed to
// subscribers that join later.
package realtime

import (
	"log"
	"sync"
	"sync/atomic"
)

// Event names pushed to subscribers.
const (
	EventConnected          = "connected"
	EventSessionJoined      = "session_joined"
	EventSessionLeft        = "session_left"
	EventError              = "error"
	EventConversationUpdate = "conversation_update"
	EventWebhookUpdate      = "webhook_update"
	EventStageUpdate        = "stage_update"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Event is one message to a subscriber.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Publisher delivers events to a session's subscriber group and reports how
// many subscribers received it.
type Publisher interface {
	Publish(sessionID string, ev Event) int
}

// Subscriber is one receiving end. It may belong to several groups.
type Subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewSubscriber creates a subscriber with a queue of buf events.
func NewSubscriber(buf int) *Subscriber {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	return &Subscriber{ch: make(chan Event, buf)}
}

// C returns the subscriber's event stream. It is never closed.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// offer queues ev without blocking.
func (s *Subscriber) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Hub tracks subscriber groups keyed by session id.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[*Subscriber]struct{})}
}

// Join adds sub to the session's group.
func (h *Hub) Join(sessionID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[sessionID]
	if !ok {
		g = make(map[*Subscriber]struct{})
		h.groups[sessionID] = g
	}
	g[sub] = struct{}{}
}

// Leave removes sub from the session's group.
func (h *Hub) Leave(sessionID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, sub)
}

func (h *Hub) leaveLocked(sessionID string, sub *Subscriber) {
	g, ok := h.groups[sessionID]
	if !ok {
		return
	}
	delete(g, sub)
	if len(g) == 0 {
		delete(h.groups, sessionID)
	}
}

// LeaveAll removes sub from every group.
func (h *Hub) LeaveAll(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.groups {
		h.leaveLocked(id, sub)
	}
}

// Members returns the number of subscribers in the session's group.
func (h *Hub) Members(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[sessionID])
}

// Publish offers ev to every subscriber in the session's group.
func (h *Hub) Publish(sessionID string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.groups[sessionID] {
		if sub.offer(ev) {
			delivered++
		} else {
			log.Printf("realtime: session %s: subscriber queue full, dropped %s", sessionID, ev.Name)
		}
	}
	return delivered
}

// Send offers ev to a single subscriber.
func (h *Hub) Send(sub *Subscriber, ev Event) bool {
	return sub.offer(ev)
}
