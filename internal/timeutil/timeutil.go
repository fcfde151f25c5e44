// Package timeutil holds the small timing primitives shared by the desk
// controller: cancellable sleeps and a single-shot retry timer.
package timeutil

import (
	"context"
	"sync"
	"time"
)

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// RetryTimer schedules at most one pending callback at a time. Arming it while
// a callback is already pending is a no-op, so a burst of failures results in
// exactly one retry.
type RetryTimer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	fired   uint64
}

// NewRetryTimer creates a timer that calls fn delay after each Arm
func NewRetryTimer(delay time.Duration, fn func()) *RetryTimer {
	return &RetryTimer{delay: delay, fn: fn}
}

// Arm schedules fn unless a call is already pending or the timer was stopped.
// Returns true when a new call was scheduled.
func (r *RetryTimer) Arm() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.timer != nil {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		if r.timer != t {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.fired++
		r.mu.Unlock()
		r.fn()
	})
	r.timer = t
	return true
}

// Pending reports whether a call is scheduled
func (r *RetryTimer) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Fired returns how many scheduled calls have run
func (r *RetryTimer) Fired() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired
}

// Cancel drops a pending call; the timer can be armed again afterwards
func (r *RetryTimer) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Stop cancels any pending call and refuses further Arm calls
func (r *RetryTimer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
