package hub

import (
	"sync"

	"github.com/controledu/backend/internal/observability"
)

// Broadcaster fans server events out to teacher sessions and routes
// targeted commands to individual student sessions. Delivery is
// non-blocking: a slow consumer's events are dropped, not queued
// unboundedly.
type Broadcaster struct {
	metrics *observability.Metrics
	log     *observability.Logger

	mu       sync.RWMutex
	teachers map[string]*conn // connection id -> conn
	students map[string]*conn
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(metrics *observability.Metrics, log *observability.Logger) *Broadcaster {
	return &Broadcaster{
		metrics:  metrics,
		log:      log.WithComponent("hub"),
		teachers: make(map[string]*conn),
		students: make(map[string]*conn),
	}
}

func (b *Broadcaster) addTeacher(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teachers[c.id] = c
}

func (b *Broadcaster) removeTeacher(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.teachers, id)
}

func (b *Broadcaster) addStudent(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.students[c.id] = c
}

func (b *Broadcaster) removeStudent(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.students, id)
}

// BroadcastTeachers sends an event to every teacher session.
func (b *Broadcaster) BroadcastTeachers(method string, v any) {
	env, err := event(method, v)
	if err != nil {
		b.log.Error(err, "teacher fan-out failed")
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.teachers {
		if c.send(env) {
			if b.metrics != nil {
				b.metrics.HubEventsFanoutTotal.WithLabelValues(method).Inc()
			}
		} else if b.metrics != nil {
			b.metrics.HubCallsDroppedTotal.WithLabelValues("slow_consumer").Inc()
		}
	}
}

// SendToConnection sends an event to one student session by its hub
// connection id. Returns false when the session is gone or saturated.
func (b *Broadcaster) SendToConnection(connectionID, method string, v any) bool {
	env, err := event(method, v)
	if err != nil {
		b.log.Error(err, "student send failed")
		return false
	}
	b.mu.RLock()
	c, ok := b.students[connectionID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.send(env) {
		if b.metrics != nil {
			b.metrics.HubCallsDroppedTotal.WithLabelValues("slow_consumer").Inc()
		}
		return false
	}
	if b.metrics != nil {
		b.metrics.HubEventsFanoutTotal.WithLabelValues(method).Inc()
	}
	return true
}

// CloseConnection force-closes one student session.
func (b *Broadcaster) CloseConnection(connectionID string) {
	b.mu.RLock()
	c, ok := b.students[connectionID]
	b.mu.RUnlock()
	if ok {
		c.close()
	}
}
