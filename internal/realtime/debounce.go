package realtime

import (
	"sync"
	"time"

	"github.com/noah-isme/pickup-go-api/internal/clock"
)

// Debouncer coalesces bursts of Trigger calls into one call of fn, fired wait
// after the last trigger. maxWait bounds how long a continuous burst can defer
// the call.
type Debouncer struct {
	clock   clock.Clock
	wait    time.Duration
	maxWait time.Duration
	fn      func()

	mu         sync.Mutex
	timer      *clock.Timer
	generation uint64
	burstStart time.Time
	stopped    bool
}

// NewDebouncer builds a debouncer. A zero maxWait disables the cap.
func NewDebouncer(clk clock.Clock, wait, maxWait time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: clk, wait: wait, maxWait: maxWait, fn: fn}
}

// Trigger schedules fn, pushing back a pending call.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := d.clock.Now()
	delay := d.wait
	if d.timer == nil {
		d.burstStart = now
	} else {
		d.timer.Stop()
		if d.maxWait > 0 {
			remaining := d.burstStart.Add(d.maxWait).Sub(now)
			if remaining < delay {
				delay = remaining
			}
			if delay < 0 {
				delay = 0
			}
		}
	}

	d.generation++
	generation := d.generation
	d.timer = d.clock.AfterFunc(delay, func() { d.fire(generation) })
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels any pending call; later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire(generation uint64) {
	d.mu.Lock()
	if d.stopped || generation != d.generation {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}
