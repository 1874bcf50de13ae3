// Package events holds the process-local projections: the bounded alert ring,
// per-student chat rings and the student presence registry.
package events

import (
	"sync"

	"github.com/controledu/backend/internal/wire"
)

// DefaultAlertCapacity bounds the in-memory alert log.
const DefaultAlertCapacity = 1500

// AlertRing is a bounded drop-oldest log of alert events.
type AlertRing struct {
	mu      sync.RWMutex
	buf     []wire.AlertEvent
	start   int
	size    int
	dropped int64
}

// NewAlertRing creates a ring with the given capacity.
func NewAlertRing(capacity int) *AlertRing {
	if capacity <= 0 {
		capacity = DefaultAlertCapacity
	}
	return &AlertRing{buf: make([]wire.AlertEvent, capacity)}
}

// Append adds an event, evicting the oldest when full. It reports
// whether an older event was dropped to make room.
func (r *AlertRing) Append(e wire.AlertEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == len(r.buf) {
		r.buf[r.start] = e
		r.start = (r.start + 1) % len(r.buf)
		r.dropped++
		return true
	}
	r.buf[(r.start+r.size)%len(r.buf)] = e
	r.size++
	return false
}

// Latest returns up to n events, newest first.
func (r *AlertRing) Latest(n int) []wire.AlertEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]wire.AlertEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.start + r.size - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of stored events.
func (r *AlertRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Dropped returns how many events were evicted.
func (r *AlertRing) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// DefaultChatCapacity bounds each per-student chat ring.
const DefaultChatCapacity = 300

// ChatLog keeps a bounded message ring per student.
type ChatLog struct {
	capacity int

	mu    sync.RWMutex
	rings map[string][]wire.ChatMessage
}

// NewChatLog creates a chat log with the given per-student capacity.
func NewChatLog(capacity int) *ChatLog {
	if capacity <= 0 {
		capacity = DefaultChatCapacity
	}
	return &ChatLog{capacity: capacity, rings: make(map[string][]wire.ChatMessage)}
}

// Append adds a message to the student's ring, dropping the oldest when full.
func (c *ChatLog) Append(msg wire.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := c.rings[msg.ClientID]
	ring = append(ring, msg)
	if len(ring) > c.capacity {
		ring = ring[len(ring)-c.capacity:]
	}
	c.rings[msg.ClientID] = ring
}

// History returns the stored messages for a student, oldest first.
func (c *ChatLog) History(clientID string) []wire.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring := c.rings[clientID]
	out := make([]wire.ChatMessage, len(ring))
	copy(out, ring)
	return out
}

// Remove discards the ring for a revoked student.
func (c *ChatLog) Remove(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rings, clientID)
}
