package testutils

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/desklink/internal/desk"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// EventRecorder is a desk.Listener that keeps every event it receives
type EventRecorder struct {
	mu     sync.Mutex
	events []desk.Event
}

// OnEvent implements desk.Listener
func (r *EventRecorder) OnEvent(ev desk.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *EventRecorder) Events() []desk.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]desk.Event(nil), r.events...)
}

// Kinds returns the recorded event kinds in order
func (r *EventRecorder) Kinds() []desk.EventKind {
	var out []desk.EventKind
	for _, ev := range r.Events() {
		out = append(out, ev.Kind)
	}
	return out
}

// Count returns how many events of kind were recorded
func (r *EventRecorder) Count(kind desk.EventKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// WaitFor polls until n events of kind were recorded
func (r *EventRecorder) WaitFor(kind desk.EventKind, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for r.Count(kind) < n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
	return true
}
