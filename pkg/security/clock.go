package security

import "time"

// Clock abstracts the time source behind the rotation timer so the hour-scale
// rotation schedule can be driven deterministically in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules f to run once after d elapses and returns a handle
	// that can cancel the pending run.
	AfterFunc(d time.Duration, f func()) TimerHandle
}

// TimerHandle cancels a pending AfterFunc callback.
type TimerHandle interface {
	// Stop cancels the callback. It reports whether the callback was still
	// pending at the time of the call.
	Stop() bool
}

// systemClock implements Clock on the runtime timer facility.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) TimerHandle {
	return time.AfterFunc(d, f)
}

// SystemClock returns the wall-clock Clock used outside of tests.
func SystemClock() Clock {
	return systemClock{}
}
