// Package pairing implements the one-time PIN lifecycle, server identity and
// the pairing completion endpoint logic.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/controledu/backend/internal/wire"
)

var ErrPinInvalid = errors.New("pin invalid or expired")

// MaxPinTTL caps the configured PIN lifetime.
const MaxPinTTL = 60 * time.Second

// PinManager issues and consumes one-shot pairing PINs.
type PinManager struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	pins map[string]time.Time
}

// NewPinManager creates a manager with the given TTL, clamped to MaxPinTTL.
func NewPinManager(ttl time.Duration) *PinManager {
	if ttl <= 0 || ttl > MaxPinTTL {
		ttl = MaxPinTTL
	}
	return &PinManager{
		ttl:  ttl,
		now:  time.Now,
		pins: make(map[string]time.Time),
	}
}

// GeneratePin issues a uniformly-distributed 6-digit decimal PIN and records
// its expiry. At most one active entry exists per PIN value.
func (m *PinManager) GeneratePin() (wire.PairingPin, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return wire.PairingPin{}, fmt.Errorf("failed to generate pin: %w", err)
	}
	pin := fmt.Sprintf("%06d", n.Int64())
	expires := m.now().UTC().Add(m.ttl)

	m.mu.Lock()
	m.sweepLocked()
	m.pins[pin] = expires
	m.mu.Unlock()

	return wire.PairingPin{Pin: pin, ExpiresAtUtc: expires}, nil
}

// TryConsume atomically checks and removes pin. It returns true at most once
// per issued value, and false after the expiry.
func (m *PinManager) TryConsume(pin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires, ok := m.pins[pin]
	if !ok {
		return false
	}
	delete(m.pins, pin)
	return m.now().UTC().Before(expires)
}

// ActiveCount returns the number of unexpired PINs.
func (m *PinManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.pins)
}

func (m *PinManager) sweepLocked() {
	now := m.now().UTC()
	for pin, expires := range m.pins {
		if !now.Before(expires) {
			delete(m.pins, pin)
		}
	}
}
