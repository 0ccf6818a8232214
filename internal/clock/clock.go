// Package clock abstracts time so that delayed sensor stops and sample
// tickers can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the recorder.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f in its own goroutine after d. A non-positive
	// duration runs f before AfterFunc returns.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Timer is a handle to a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Ticker delivers ticks on C at a fixed interval until stopped.
type Ticker struct {
	C        <-chan time.Time
	stopFunc func()
}

func (t *Ticker) Stop() {
	if t != nil && t.stopFunc != nil {
		t.stopFunc()
	}
}
