package ratelimit

import (
	"testing"
	"time"
)

func TestKeyedCooldown(t *testing.T) {
	c := NewKeyedCooldown(15 * time.Second)
	base := time.Now()
	c.now = func() time.Time { return base }

	if !c.Allow("c1|hand-raise") {
		t.Fatal("first event blocked")
	}
	if c.Allow("c1|hand-raise") {
		t.Error("event inside cooldown allowed")
	}
	if !c.Allow("c1|help") {
		t.Error("distinct signal type blocked by another type's cooldown")
	}
	if !c.Allow("c2|hand-raise") {
		t.Error("distinct client blocked")
	}

	c.now = func() time.Time { return base.Add(15 * time.Second) }
	if !c.Allow("c1|hand-raise") {
		t.Error("event after cooldown blocked")
	}
}

func TestKeyedCooldown_Reset(t *testing.T) {
	c := NewKeyedCooldown(time.Minute)
	if !c.Allow("k") {
		t.Fatal("first event blocked")
	}
	c.Reset("k")
	if !c.Allow("k") {
		t.Error("event after reset blocked")
	}
}
