package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order, without the clock lock
// held. Callbacks must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	nextID  uint64
}

type fakeWaiter struct {
	id       uint64
	deadline time.Time
	callback func()
	channel  chan time.Time
	interval time.Duration
	stopped  bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	waiter := c.addLocked(d, f, nil, 0)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.removeLocked(waiter)
		},
		resetFunc: func(next time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := c.removeLocked(waiter)
			waiter.stopped = false
			waiter.deadline = c.current.Add(next)
			c.waiters = append(c.waiters, waiter)
			return active
		},
	}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)

	c.mu.Lock()
	waiter := c.addLocked(d, nil, channel, d)
	c.mu.Unlock()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(waiter)
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose deadline
// falls inside the interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		waiter := c.earliestLocked(target)
		if waiter == nil {
			c.current = target
			c.mu.Unlock()
			return
		}

		c.current = waiter.deadline
		fireAt := waiter.deadline
		if waiter.interval > 0 {
			waiter.deadline = waiter.deadline.Add(waiter.interval)
		} else {
			c.removeLocked(waiter)
		}
		c.mu.Unlock()

		if waiter.callback != nil {
			waiter.callback()
			continue
		}
		select {
		case waiter.channel <- fireAt:
		default:
		}
	}
}

// PendingTimers reports how many timers and tickers are armed.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) addLocked(d time.Duration, f func(), channel chan time.Time, interval time.Duration) *fakeWaiter {
	c.nextID++
	waiter := &fakeWaiter{
		id:       c.nextID,
		deadline: c.current.Add(d),
		callback: f,
		channel:  channel,
		interval: interval,
	}
	c.waiters = append(c.waiters, waiter)
	return waiter
}

func (c *FakeClock) removeLocked(target *fakeWaiter) bool {
	for i, waiter := range c.waiters {
		if waiter == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			target.stopped = true
			return true
		}
	}
	return false
}

func (c *FakeClock) earliestLocked(limit time.Time) *fakeWaiter {
	if len(c.waiters) == 0 {
		return nil
	}
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].id < c.waiters[j].id
		}
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	first := c.waiters[0]
	if first.deadline.After(limit) {
		return nil
	}
	return first
}
