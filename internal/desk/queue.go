package desk

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO with a wake-up channel. Producers never block,
// which lets BLE callbacks hand work to the worker without risking a stall of
// the event pump.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// dispatcher delivers events to listeners in order, without dropping any
type dispatcher struct {
	q *queue[Event]

	mu        sync.Mutex
	listeners []Listener
}

func newDispatcher() *dispatcher {
	return &dispatcher{q: newQueue[Event]()}
}

func (d *dispatcher) subscribe(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *dispatcher) publish(ev Event) {
	d.q.push(ev)
}

// run delivers events until ctx is done, then flushes what is left
func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-d.q.ready:
			d.deliver(d.q.drain())
		case <-ctx.Done():
			return
		}
	}
}

func (d *dispatcher) flush() {
	d.deliver(d.q.drain())
}

func (d *dispatcher) deliver(events []Event) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			l.OnEvent(ev)
		}
	}
}
