//go:build test

package testutils

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/desklink/internal/desk"
	"github.com/srg/desklink/internal/device"
)

// DeskWrite is a write the simulated desk received
type DeskWrite struct {
	Target string // "command" or "move-to"
	Data   []byte
}

// DeskSimulator answers FakeCentral requests the way a Linak desk does:
// it exposes the three desk services, reports position and speed, and moves
// Step raw units toward the requested target on every move-to write.
type DeskSimulator struct {
	Central    *FakeCentral
	Peripheral device.Peripheral

	Position *ble.Characteristic
	Command  *ble.Characteristic
	MoveTo   *ble.Characteristic

	mu         sync.Mutex
	services   []*ble.Service
	raw        uint16
	speed      int16
	step       uint16
	connected  bool
	notifying  bool
	connects   int
	failFirst  int
	missing    ble.UUID
	writes     []DeskWrite
	moveWrites int

	manualStopAt int
	dropAt       int
	frozen       bool
}

// NewDeskSimulator wires a simulated desk at raw position raw into central.
// The desk is both scannable and retrievable by its ID.
func NewDeskSimulator(central *FakeCentral, raw uint16) *DeskSimulator {
	s := &DeskSimulator{
		Central:    central,
		Peripheral: device.Peripheral{ID: "AA:BB:CC:DD:EE:FF", Name: "Desk 7788", RSSI: -52},
		raw:        raw,
		step:       100,
	}

	s.Position = &ble.Characteristic{UUID: desk.PositionCharUUID, Property: ble.CharRead | ble.CharNotify}
	s.Command = &ble.Characteristic{UUID: desk.CommandCharUUID, Property: ble.CharWrite}
	s.MoveTo = &ble.Characteristic{UUID: desk.MoveToCharUUID, Property: ble.CharWrite}

	s.services = []*ble.Service{
		{UUID: desk.PositionServiceUUID, Characteristics: []*ble.Characteristic{s.Position}},
		{UUID: desk.ControlServiceUUID, Characteristics: []*ble.Characteristic{s.Command}},
		{UUID: desk.ReferenceInputServiceUUID, Characteristics: []*ble.Characteristic{s.MoveTo}},
	}

	central.AddKnown(s.Peripheral)
	central.SetResponder(s.respond)
	return s
}

// WithStep sets how many raw units one move-to write moves the desk
func (s *DeskSimulator) WithStep(step uint16) *DeskSimulator {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
	return s
}

// FailConnects makes the first n connection attempts fail
func (s *DeskSimulator) FailConnects(n int) *DeskSimulator {
	s.mu.Lock()
	s.failFirst = n
	s.mu.Unlock()
	return s
}

// WithoutService hides a service from discovery
func (s *DeskSimulator) WithoutService(uuid ble.UUID) *DeskSimulator {
	s.mu.Lock()
	s.missing = uuid
	s.mu.Unlock()
	return s
}

// ManualStopAt simulates the desk's own button: on the nth move-to write the
// desk stops short of the target and reports zero speed.
func (s *DeskSimulator) ManualStopAt(n int) *DeskSimulator {
	s.mu.Lock()
	s.manualStopAt = n
	s.mu.Unlock()
	return s
}

// DropAt drops the connection instead of acknowledging the nth move-to write
func (s *DeskSimulator) DropAt(n int) *DeskSimulator {
	s.mu.Lock()
	s.dropAt = n
	s.mu.Unlock()
	return s
}

// Raw returns the current raw position
func (s *DeskSimulator) Raw() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw
}

// Connects returns how many connection attempts were made
func (s *DeskSimulator) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Writes returns every write the desk received
func (s *DeskSimulator) Writes() []DeskWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeskWrite(nil), s.writes...)
}

// CommandWrites returns the opcodes written to the control characteristic
func (s *DeskSimulator) CommandWrites() []desk.Command {
	var out []desk.Command
	for _, w := range s.Writes() {
		if w.Target == "command" && len(w.Data) == 2 {
			out = append(out, desk.Command(binary.LittleEndian.Uint16(w.Data)))
		}
	}
	return out
}

// MoveWrites returns how many move-to writes were received
func (s *DeskSimulator) MoveWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveWrites
}

// Notify pushes a position notification as if the desk moved on its own
func (s *DeskSimulator) Notify(raw uint16, speed int16) {
	s.mu.Lock()
	s.raw = raw
	s.speed = speed
	payload := s.payloadLocked()
	notifying := s.notifying
	s.mu.Unlock()

	if notifying {
		s.Central.Emit(device.Event{Kind: device.EventValueUpdated, Characteristic: s.Position, Value: payload})
	}
}

// Drop simulates the desk going out of range
func (s *DeskSimulator) Drop() {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.notifying = false
	s.mu.Unlock()
	if was {
		s.Central.Emit(device.Event{Kind: device.EventDisconnected, Peripheral: s.Peripheral})
	}
}

func (s *DeskSimulator) payloadLocked() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], s.raw)
	binary.LittleEndian.PutUint16(b[2:4], uint16(s.speed))
	return b
}

func (s *DeskSimulator) respond(r Request) {
	emit := s.Central.Emit

	switch r.Op {
	case OpScan:
		emit(device.Event{Kind: device.EventDiscovered, Peripheral: s.Peripheral})

	case OpConnect:
		s.mu.Lock()
		s.connects++
		fail := s.connects <= s.failFirst
		if !fail {
			s.connected = true
		}
		s.mu.Unlock()
		if fail {
			emit(device.Event{Kind: device.EventConnectFailed, Tag: r.Tag, Peripheral: r.Peripheral, Err: device.ErrConnectFailed})
			return
		}
		emit(device.Event{Kind: device.EventConnected, Tag: r.Tag, Peripheral: r.Peripheral})

	case OpCancelConnection:
		s.Drop()

	case OpDiscoverServices:
		s.mu.Lock()
		var svcs []*ble.Service
		for _, svc := range s.services {
			if s.missing != nil && svc.UUID.Equal(s.missing) {
				continue
			}
			svcs = append(svcs, svc)
		}
		s.mu.Unlock()
		emit(device.Event{Kind: device.EventServicesDiscovered, Tag: r.Tag, Services: svcs})

	case OpDiscoverCharacteristics:
		emit(device.Event{Kind: device.EventCharacteristicsDiscovered, Tag: r.Tag, Service: r.Service, Characteristics: r.Service.Characteristics})

	case OpDiscoverDescriptors:
		cccd := &ble.Descriptor{UUID: ble.ClientCharacteristicConfigUUID}
		emit(device.Event{Kind: device.EventDescriptorsDiscovered, Tag: r.Tag, Characteristic: r.Characteristic, Descriptors: []*ble.Descriptor{cccd}})

	case OpRead:
		s.mu.Lock()
		payload := s.payloadLocked()
		s.mu.Unlock()
		emit(device.Event{Kind: device.EventValueUpdated, Tag: r.Tag, Characteristic: r.Characteristic, Value: payload})

	case OpSetNotify:
		s.mu.Lock()
		s.notifying = r.Enabled
		s.mu.Unlock()
		emit(device.Event{Kind: device.EventNotifyStateUpdated, Tag: r.Tag, Characteristic: r.Characteristic, Enabled: r.Enabled})

	case OpWrite:
		s.write(r)
	}
}

func (s *DeskSimulator) write(r Request) {
	emit := s.Central.Emit
	ack := device.Event{Kind: device.EventValueWritten, Tag: r.Tag, Characteristic: r.Characteristic}

	if r.Characteristic == s.Command {
		s.mu.Lock()
		s.writes = append(s.writes, DeskWrite{Target: "command", Data: r.Data})
		if bytes.Equal(r.Data, desk.CommandStop.Bytes()) {
			s.speed = 0
		}
		s.mu.Unlock()
		emit(ack)
		return
	}

	if r.Characteristic != s.MoveTo || len(r.Data) != 2 {
		emit(ack)
		return
	}

	s.mu.Lock()
	s.writes = append(s.writes, DeskWrite{Target: "move-to", Data: r.Data})
	s.moveWrites++
	n := s.moveWrites

	if s.dropAt > 0 && n == s.dropAt {
		s.mu.Unlock()
		s.Drop()
		return
	}

	if s.manualStopAt > 0 && n >= s.manualStopAt {
		s.frozen = true
	}
	target := binary.LittleEndian.Uint16(r.Data)
	switch {
	case s.frozen:
		s.speed = 0
	case s.raw < target:
		s.raw += min(s.step, target-s.raw)
		s.speed = int16(s.step)
	case s.raw > target:
		s.raw -= min(s.step, s.raw-target)
		s.speed = -int16(s.step)
	}
	if s.raw == target {
		s.speed = 0
	}
	payload := s.payloadLocked()
	notifying := s.notifying
	s.mu.Unlock()

	if notifying {
		emit(device.Event{Kind: device.EventValueUpdated, Characteristic: s.Position, Value: payload})
	}
	emit(ack)
}
