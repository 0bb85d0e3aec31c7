package sim

import (
	"context"
	"sync"
	"time"
)

// Clock is simulated time. In manual mode Sleep parks until Advance moves
// time past the deadline; in auto mode Sleep advances time itself and
// returns at once, so a loop runs as fast as the CPU allows.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	auto    bool
	waiters []*waiter
}

type waiter struct {
	until time.Time
	done  chan struct{}
}

// NewClock returns a manual clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// NewAutoClock returns a clock whose Sleep advances time by the requested
// duration.
func NewAutoClock(start time.Time) *Clock {
	return &Clock{now: start, auto: true}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	c.mu.Lock()
	if c.auto {
		c.now = c.now.Add(d)
		c.mu.Unlock()
		return nil
	}
	w := &waiter{until: c.now.Add(d), done: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		c.remove(w)
		return ctx.Err()
	}
}

// Advance moves time forward and releases sleepers whose deadline passed.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.until.After(c.now) {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// Sleepers is the number of goroutines parked in Sleep.
func (c *Clock) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForSleepers polls until at least n goroutines are parked or timeout
// of real time passes. It reports whether n was reached.
func (c *Clock) WaitForSleepers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Sleepers() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return c.Sleepers() >= n
}

func (c *Clock) remove(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
