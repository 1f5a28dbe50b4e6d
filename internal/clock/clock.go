// Package clock derives a turn countdown from an absolute deadline and fires
// an expiry callback once the deadline passes.
//
// Nothing here counts down locally: every tick recomputes the remaining time
// from the shared deadline, so every process that observes the same deadline
// shows the same countdown and a late joiner needs nothing but the deadline.
package clock

import (
	"sync"
	"time"
)

const DefaultInterval = time.Second

// Remaining is the whole number of seconds left until deadline, never negative.
func Remaining(deadline, now time.Time) int {
	if !now.Before(deadline) {
		return 0
	}
	return int(deadline.Sub(now) / time.Second)
}

type Option func(*Clock)

func WithInterval(d time.Duration) Option {
	return func(c *Clock) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.now = now
		}
	}
}

type Clock struct {
	interval time.Duration
	now      func() time.Time
	onExpire func(turnIndex int)

	mu       sync.Mutex
	armed    bool
	turn     int
	deadline time.Time
	stop     chan struct{} // nil once the current arm has fired
}

func New(onExpire func(turnIndex int), opts ...Option) *Clock {
	c := &Clock{
		interval: DefaultInterval,
		now:      time.Now,
		onExpire: onExpire,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe arms the clock for turnIndex ending at deadline. Observing the arm
// that is already current, fired or not, changes nothing.
func (c *Clock) Observe(turnIndex int, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.armed && c.turn == turnIndex && c.deadline.Equal(deadline) {
		return
	}
	c.disarmLocked()

	stop := make(chan struct{})
	c.armed = true
	c.turn = turnIndex
	c.deadline = deadline
	c.stop = stop
	go c.run(turnIndex, deadline, stop)
}

// Stop disarms the clock. A pending expiry will not fire after Stop returns
// unless it had already been claimed.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmLocked()
	c.armed = false
}

// Remaining reports the countdown for the current arm, or 0 when disarmed.
func (c *Clock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return 0
	}
	return Remaining(c.deadline, c.now())
}

func (c *Clock) disarmLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Clock) run(turnIndex int, deadline time.Time, stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if !c.now().Before(deadline) {
			if c.claim(stop) {
				c.onExpire(turnIndex)
			}
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// claim marks the arm identified by stop as fired. Only one caller can win.
func (c *Clock) claim(stop chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != stop {
		return false
	}
	c.stop = nil
	return true
}
