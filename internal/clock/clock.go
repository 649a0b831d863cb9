// Package clock abstracts the time operations used by session sync so tests can drive
// save-status resets, message auto-dismiss and reconnect backoff deterministically.
package clock

import "time"

// Clock is the subset of the time package the realtime components depend on.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed. d <= 0 fires immediately.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f once d has elapsed. The returned Timer cancels the pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from running. It returns false if the call already ran or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}
