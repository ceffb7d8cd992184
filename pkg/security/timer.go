package security

import (
	"sync"
	"time"
)

// Timer is the one-shot timer backing automatic key rotation.
//
// It differs from a plain time.Timer in one load-bearing way: StartAt re-arms
// relative to an earlier baseline (normally the previous fire time), so a
// periodic schedule built by re-arming from the handler keeps a drift-free
// cadence regardless of handler latency.
//
// A fire that has not yet been dispatched when Stop or a later StartAt is
// called is dropped. Stop does not wait for a handler that was already
// dispatched; such a handler may still be running, or about to run, after
// Stop returns.
type Timer struct {
	clock   Clock
	handler func()

	mu         sync.Mutex
	running    bool
	fireTime   time.Time
	generation uint64
	handle     TimerHandle
}

// NewTimer creates a stopped timer that invokes handler on each fire.
func NewTimer(clock Clock, handler func()) *Timer {
	return &Timer{clock: clock, handler: handler}
}

// Start arms the timer to fire once after delay, measured from now.
func (t *Timer) Start(delay time.Duration) {
	t.StartAt(t.clock.Now(), delay)
}

// StartAt arms the timer to fire once at baseline+delay. A baseline in the
// past fires the timer as soon as possible without skipping the callback.
// Any previously pending fire is superseded.
func (t *Timer) StartAt(baseline time.Time, delay time.Duration) {
	t.mu.Lock()
	if t.handle != nil {
		t.handle.Stop()
	}
	t.generation++
	gen := t.generation
	t.fireTime = baseline.Add(delay)
	t.running = true

	wait := t.fireTime.Sub(t.clock.Now())
	if wait < 0 {
		wait = 0
	}
	t.handle = t.clock.AfterFunc(wait, func() { t.fire(gen) })
	t.mu.Unlock()
}

// Stop cancels any pending fire that has not yet been dispatched to the
// handler. It does not wait for a handler that is already dispatched.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
	t.generation++
	t.running = false
	t.mu.Unlock()
}

// IsRunning reports whether a fire is pending.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// FireTime returns the most recently scheduled fire time. It remains valid
// inside the handler, where it is the baseline for a drift-free re-arm.
func (t *Timer) FireTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fireTime
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || !t.running {
		// Superseded by a later StartAt or cancelled by Stop.
		t.mu.Unlock()
		return
	}
	t.running = false
	handler := t.handler
	t.mu.Unlock()

	if handler != nil {
		handler()
	}
}
