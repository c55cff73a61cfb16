package service

import (
	"sync"
	"time"

	"github.com/noah-isme/pickup-go-api/internal/clock"
)

// DefaultAutoCompleteDelay is how long a called request waits before it is
// completed automatically.
const DefaultAutoCompleteDelay = 5 * time.Minute

// autoCompleter keeps at most one pending timer per request.
type autoCompleter struct {
	clock clock.Clock
	fire  func(requestID uint)

	mu     sync.Mutex
	timers map[uint]*clock.Timer
	closed bool
}

func newAutoCompleter(clk clock.Clock, fire func(requestID uint)) *autoCompleter {
	return &autoCompleter{clock: clk, fire: fire, timers: make(map[uint]*clock.Timer)}
}

// schedule arms the timer for requestID, replacing any earlier one.
func (a *autoCompleter) schedule(requestID uint, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if existing, ok := a.timers[requestID]; ok {
		existing.Stop()
	}

	var timer *clock.Timer
	timer = a.clock.AfterFunc(delay, func() {
		a.mu.Lock()
		if a.closed || a.timers[requestID] != timer {
			a.mu.Unlock()
			return
		}
		delete(a.timers, requestID)
		a.mu.Unlock()

		a.fire(requestID)
	})
	a.timers[requestID] = timer
}

// cancel disarms the timer for requestID, if any.
func (a *autoCompleter) cancel(requestID uint) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if timer, ok := a.timers[requestID]; ok {
		timer.Stop()
		delete(a.timers, requestID)
	}
}

func (a *autoCompleter) pending(requestID uint) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[requestID]
	return ok
}

// stop disarms every timer; later schedules are ignored.
func (a *autoCompleter) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for id, timer := range a.timers {
		timer.Stop()
		delete(a.timers, id)
	}
}
