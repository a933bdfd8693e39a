package ratelimit

import (
	"sync"
	"time"
)

// Cooldown is a process-wide gate that rejects an action for a fixed period
// after the previous success, regardless of actor. It absorbs duplicate
// deliveries replayed by an unreliable transport. State is process lifetime
// only and relies on the monotonic clock carried by time.Time.
type Cooldown struct {
	mu       sync.Mutex
	duration time.Duration
	clock    func() time.Time
	lastHit  time.Time
}

// NewCooldown constructs a Cooldown. A nil clock defaults to time.Now.
func NewCooldown(duration time.Duration, clock func() time.Time) *Cooldown {
	if clock == nil {
		clock = time.Now
	}
	return &Cooldown{duration: duration, clock: clock}
}

// Ready reports whether the gate is open. It does not consume the gate.
func (c *Cooldown) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastHit.IsZero() {
		return true
	}
	return c.clock().Sub(c.lastHit) >= c.duration
}

// MarkSuccess closes the gate for the configured duration. Called only after
// the guarded action actually succeeded.
func (c *Cooldown) MarkSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHit = c.clock()
}
