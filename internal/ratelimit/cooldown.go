// Package ratelimit provides the per-key cooldown limiter that damps
// interactive student signals.
package ratelimit

import (
	"sync"
	"time"
)

// KeyedCooldown allows at most one event per key per interval.
type KeyedCooldown struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewKeyedCooldown creates a limiter with the given per-key interval.
func NewKeyedCooldown(interval time.Duration) *KeyedCooldown {
	return &KeyedCooldown{
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether an event for key may pass, and if so starts the
// key's cooldown.
func (c *KeyedCooldown) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.interval {
		return false
	}
	c.sweepLocked(now)
	c.last[key] = now
	return true
}

// Reset clears the cooldown for key.
func (c *KeyedCooldown) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, key)
}

// sweepLocked drops expired entries so the map stays bounded by the set
// of recently active keys.
func (c *KeyedCooldown) sweepLocked(now time.Time) {
	if len(c.last) < 1024 {
		return
	}
	for k, t := range c.last {
		if now.Sub(t) >= c.interval {
			delete(c.last, k)
		}
	}
}
