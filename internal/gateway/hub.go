// Package gateway fans server events out to every connected device of a
// user. Events are appended to a durable per-user log before delivery, so a
// reconnecting client can replay what it missed within the retention window.
package gateway

import (
	"encoding/json"
	"sync"
)

// Frame is one message on the wire, in either direction. ID carries the
// event-log position for server events; 0 means the frame is not replayable
// (pongs, direct errors).
type Frame struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts"`
}

// subscriberBuffer is how far a connection may lag before it is dropped.
const subscriberBuffer = 32

type subscriber struct {
	ch   chan Frame
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub groups live connections by user ID. It holds no domain state; it is a
// pure publish primitive invoked by the upload and analysis services.
type Hub struct {
	mu     sync.Mutex
	groups map[string]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[*subscriber]struct{})}
}

// Subscribe joins the user's group. The returned channel is closed when the
// subscription ends, either via the unsubscribe func or because the
// subscriber fell too far behind.
func (h *Hub) Subscribe(userID string) (<-chan Frame, func()) {
	sub := &subscriber{ch: make(chan Frame, subscriberBuffer)}

	h.mu.Lock()
	if h.groups[userID] == nil {
		h.groups[userID] = make(map[*subscriber]struct{})
	}
	h.groups[userID][sub] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		h.remove(userID, sub)
		h.mu.Unlock()
	}
	return sub.ch, unsub
}

// Publish delivers the frame to every connection in the user's group.
// Non-blocking: a subscriber whose buffer is full is disconnected rather
// than silently skipped — it reconnects and replays from its last seen ID.
func (h *Hub) Publish(userID string, f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.groups[userID] {
		select {
		case sub.ch <- f:
		default:
			h.remove(userID, sub)
		}
	}
}

// Connections reports the number of live connections for one user.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[userID])
}

// remove must be called with h.mu held. All sends happen under the same
// lock, so closing here cannot race a send.
func (h *Hub) remove(userID string, sub *subscriber) {
	subs := h.groups[userID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.groups, userID)
	}
	sub.close()
}
