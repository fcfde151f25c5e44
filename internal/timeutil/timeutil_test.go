package timeutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), 5*time.Millisecond))
	assert.True(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
	assert.False(t, Sleep(ctx, 0))
}

func TestRetryTimer_SingleShot(t *testing.T) {
	var calls atomic.Int32
	r := NewRetryTimer(20*time.Millisecond, func() { calls.Add(1) })

	assert.True(t, r.Arm())
	assert.False(t, r.Arm(), "second Arm while pending must be a no-op")
	assert.True(t, r.Pending())

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, r.Pending())
	assert.Equal(t, uint64(1), r.Fired())

	assert.True(t, r.Arm(), "timer can be armed again after firing")
	assert.Eventually(t, func() bool { return r.Fired() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRetryTimer_CancelAndStop(t *testing.T) {
	var calls atomic.Int32
	r := NewRetryTimer(20*time.Millisecond, func() { calls.Add(1) })

	r.Arm()
	r.Cancel()
	assert.False(t, r.Pending())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())

	r.Stop()
	assert.False(t, r.Arm(), "stopped timer refuses Arm")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Zero(t, r.Fired())
}
