package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	stopped  bool
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a waiter that fires once the clock reaches now+d.
// Non-positive durations fire immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C
}

// NewTimer registers a stoppable waiter.
func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return &Timer{C: ch, stop: func() bool { return false }}
	}
	w := &waiter{deadline: c.now.Add(d), ch: ch}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()

	return &Timer{C: ch, stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped {
			return false
		}
		for i, p := range c.waiters {
			if p == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				w.stopped = true
				c.changed.Broadcast()
				return true
			}
		}
		return false
	}}
}

// Advance moves the clock forward by d and fires every waiter whose deadline
// has been reached, earliest first.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due, pending []*waiter
	for _, w := range c.waiters {
		if w.deadline.After(now) {
			pending = append(pending, w)
		} else {
			due = append(due, w)
		}
	}
	c.waiters = pending
	c.changed.Broadcast()
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		select {
		case w.ch <- now:
		default:
		}
	}
}

// Set moves the clock to t, firing due waiters. It panics if t is before the
// current time.
func (c *FakeClock) Set(t time.Time) {
	d := t.Sub(c.Now())
	if d < 0 {
		panic("clock: Set moves time backwards")
	}
	c.Advance(d)
}

// WaitForTimers blocks until at least n waiters are pending. Tests call it
// before Advance so a goroutine has registered its wait first.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// Pending returns the number of registered waiters.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
