// Package ringchan provides a bounded channel that never blocks producers.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Channel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. Consumers read from C() like a normal Go channel.
//
//	rc := ringchan.New[string](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(strconv.Itoa(i))
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
//
// Sends after Close are dropped and counted as errors.
type Channel[T any] struct {
	// mu serializes producers so drop-oldest + push is atomic
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a Channel with the given capacity.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Channel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Reads through C are not
// counted as Processed; use Receive for that.
func (rc *Channel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element when full.
// Returns true if an element was dropped to make room.
func (rc *Channel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		rc.metrics.add(&rc.metrics.Errors)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.metrics.add(&rc.metrics.Written)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			rc.metrics.add(&rc.metrics.Overwritten)
			dropped = true
		default:
			// a consumer drained it meanwhile
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *Channel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		rc.metrics.add(&rc.metrics.Errors)
		return false
	}
	select {
	case rc.ch <- v:
		rc.metrics.add(&rc.metrics.Written)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed and drained.
func (rc *Channel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.add(&rc.metrics.Processed)
	}
	return
}

// Len returns the number of buffered elements.
func (rc *Channel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *Channel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the channel. Buffered elements remain readable. Safe to call twice.
func (rc *Channel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

// Metrics returns a snapshot of the counters.
func (rc *Channel[T]) Metrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&rc.metrics.Errors),
	}
}

// Metrics counts channel traffic. Fields are updated atomically.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
	Errors      int64
}

func (m *Metrics) add(field *int64) {
	atomic.AddInt64(field, 1)
}
