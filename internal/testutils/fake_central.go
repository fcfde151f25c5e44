//go:build test

package testutils

import (
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/desklink/internal/device"
)

// Operation names recorded by FakeCentral
const (
	OpScan                    = "scan"
	OpStopScan                = "stop-scan"
	OpConnect                 = "connect"
	OpCancelConnection        = "cancel-connection"
	OpDiscoverServices        = "discover-services"
	OpDiscoverCharacteristics = "discover-characteristics"
	OpDiscoverDescriptors     = "discover-descriptors"
	OpRead                    = "read"
	OpWrite                   = "write"
	OpSetNotify               = "set-notify"
)

// Request is one call made against FakeCentral
type Request struct {
	Op             string
	Tag            device.Tag
	Peripheral     device.Peripheral
	Filter         []ble.UUID
	Service        *ble.Service
	Characteristic *ble.Characteristic
	Data           []byte
	Enabled        bool
	At             time.Time
}

// FakeCentral is a scripted device.Central. Every request is recorded and
// handed to the responder, which decides which events (if any) to emit.
// Without a responder nothing is answered, so tests can emit events by hand.
type FakeCentral struct {
	mu        sync.Mutex
	state     device.RadioState
	events    chan device.Event
	requests  []Request
	known     map[string]device.Peripheral
	responder func(Request)
	scanErr   error
	closed    bool
}

var _ device.Central = (*FakeCentral)(nil)

// NewFakeCentral returns a powered-on central with a large event buffer
func NewFakeCentral() *FakeCentral {
	return &FakeCentral{
		state:  device.RadioPoweredOn,
		events: make(chan device.Event, 4096),
		known:  make(map[string]device.Peripheral),
	}
}

// SetResponder installs the request handler
func (f *FakeCentral) SetResponder(fn func(Request)) {
	f.mu.Lock()
	f.responder = fn
	f.mu.Unlock()
}

// SetScanError makes subsequent Scan calls fail
func (f *FakeCentral) SetScanError(err error) {
	f.mu.Lock()
	f.scanErr = err
	f.mu.Unlock()
}

// AddKnown makes p retrievable by ID
func (f *FakeCentral) AddKnown(p device.Peripheral) {
	f.mu.Lock()
	f.known[p.ID] = p
	f.mu.Unlock()
}

// SetRadio changes the radio state and emits the matching event
func (f *FakeCentral) SetRadio(state device.RadioState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.Emit(device.Event{Kind: device.EventRadioState, Radio: state})
}

// Emit queues an event for the consumer
func (f *FakeCentral) Emit(ev device.Event) {
	f.events <- ev
}

// Requests returns a copy of every recorded request
func (f *FakeCentral) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// RequestsOf returns the recorded requests for op
func (f *FakeCentral) RequestsOf(op string) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, r := range f.requests {
		if r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

// CountOf returns how many requests of op were recorded
func (f *FakeCentral) CountOf(op string) int {
	return len(f.RequestsOf(op))
}

// WaitForRequests polls until at least n requests of op were recorded
func (f *FakeCentral) WaitForRequests(op string, n int, timeout time.Duration) ([]Request, bool) {
	deadline := time.Now().Add(timeout)
	for {
		reqs := f.RequestsOf(op)
		if len(reqs) >= n {
			return reqs, true
		}
		if time.Now().After(deadline) {
			return reqs, false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *FakeCentral) record(r Request) {
	r.At = time.Now()
	if r.Data != nil {
		r.Data = append([]byte(nil), r.Data...)
	}
	f.mu.Lock()
	f.requests = append(f.requests, r)
	fn := f.responder
	f.mu.Unlock()

	if fn != nil {
		fn(r)
	}
}

func (f *FakeCentral) State() device.RadioState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeCentral) Events() <-chan device.Event {
	return f.events
}

func (f *FakeCentral) Retrieve(id string) (device.Peripheral, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.known[id]
	return p, ok
}

func (f *FakeCentral) Scan(service ble.UUID) error {
	f.mu.Lock()
	err := f.scanErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.record(Request{Op: OpScan, Filter: []ble.UUID{service}})
	return nil
}

func (f *FakeCentral) StopScan() {
	f.record(Request{Op: OpStopScan})
}

func (f *FakeCentral) Connect(tag device.Tag, p device.Peripheral) {
	f.record(Request{Op: OpConnect, Tag: tag, Peripheral: p})
}

func (f *FakeCentral) CancelConnection() {
	f.record(Request{Op: OpCancelConnection})
}

func (f *FakeCentral) DiscoverServices(tag device.Tag, filter []ble.UUID) {
	f.record(Request{Op: OpDiscoverServices, Tag: tag, Filter: filter})
}

func (f *FakeCentral) DiscoverCharacteristics(tag device.Tag, filter []ble.UUID, svc *ble.Service) {
	f.record(Request{Op: OpDiscoverCharacteristics, Tag: tag, Filter: filter, Service: svc})
}

func (f *FakeCentral) DiscoverDescriptors(tag device.Tag, c *ble.Characteristic) {
	f.record(Request{Op: OpDiscoverDescriptors, Tag: tag, Characteristic: c})
}

func (f *FakeCentral) ReadValue(tag device.Tag, c *ble.Characteristic) {
	f.record(Request{Op: OpRead, Tag: tag, Characteristic: c})
}

func (f *FakeCentral) WriteValue(tag device.Tag, data []byte, c *ble.Characteristic) {
	f.record(Request{Op: OpWrite, Tag: tag, Data: data, Characteristic: c})
}

func (f *FakeCentral) SetNotifyValue(tag device.Tag, enabled bool, c *ble.Characteristic) {
	f.record(Request{Op: OpSetNotify, Tag: tag, Enabled: enabled, Characteristic: c})
}

func (f *FakeCentral) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
