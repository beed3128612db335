package resilience

import (
	"sync/atomic"
	"time"
)

// GateState is the observable state of a Cooldown.
type GateState int32

const (
	GateClosed GateState = iota
	GateOpen
	GateProbing
)

func (s GateState) String() string {
	switch s {
	case GateClosed:
		return "CLOSED"
	case GateOpen:
		return "OPEN"
	case GateProbing:
		return "PROBING"
	default:
		return "UNKNOWN"
	}
}

// Cooldown short-circuits calls to a dependency for a fixed period after it
// fails. Once the period has elapsed exactly one caller is let through as a
// trial call; its outcome either closes the gate or restarts the period.
// A zero period disables the gate.
type Cooldown struct {
	period   time.Duration
	now      func() time.Time
	openedAt atomic.Int64 // unix nano, 0 when closed
	probing  atomic.Bool
}

// NewCooldown returns a closed gate.
func NewCooldown(period time.Duration) *Cooldown {
	return &Cooldown{period: period, now: time.Now}
}

// WithClock replaces the gate's time source.
func (c *Cooldown) WithClock(now func() time.Time) *Cooldown {
	c.now = now
	return c
}

// Period returns the configured cool-down period.
func (c *Cooldown) Period() time.Duration {
	return c.period
}

// Allow reports whether a call may proceed.
func (c *Cooldown) Allow() bool {
	if c == nil || c.period <= 0 {
		return true
	}
	opened := c.openedAt.Load()
	if opened == 0 {
		return true
	}
	if c.now().UnixNano()-opened < int64(c.period) {
		return false
	}
	return c.probing.CompareAndSwap(false, true)
}

// Success closes the gate.
func (c *Cooldown) Success() {
	if c == nil || c.period <= 0 {
		return
	}
	c.openedAt.Store(0)
	c.probing.Store(false)
}

// Failure opens the gate, restarting the period.
func (c *Cooldown) Failure() {
	if c == nil || c.period <= 0 {
		return
	}
	c.openedAt.Store(c.now().UnixNano())
	c.probing.Store(false)
}

// Release gives up the trial slot without a verdict, leaving the gate open
// for the next caller to try.
func (c *Cooldown) Release() {
	if c == nil {
		return
	}
	c.probing.Store(false)
}

// State returns the gate's current state.
func (c *Cooldown) State() GateState {
	if c == nil || c.openedAt.Load() == 0 {
		return GateClosed
	}
	if c.probing.Load() {
		return GateProbing
	}
	return GateOpen
}
