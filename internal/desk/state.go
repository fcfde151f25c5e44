package desk

import (
	"fmt"
)

// State is a snapshot of the desk derived from one position payload. Values
// are compared structurally to suppress duplicate publications.
type State struct {
	Identity    string  `json:"identity"`
	Position    float64 `json:"position"`
	Speed       float64 `json:"speed"`
	RawPosition uint16  `json:"raw_position"`
}

func (s State) String() string {
	return fmt.Sprintf("position=%.2f speed=%.2f raw=%d", s.Position, s.Speed, s.RawPosition)
}

// Moving reports whether the desk reported a non-zero speed
func (s State) Moving() bool {
	return s.Speed != 0
}

// ConnectionState is the controller's lifecycle state
type ConnectionState int

const (
	StatePoweredOff ConnectionState = iota
	StateIdle
	StateScanning
	StateDiscovered
	StateConnecting
	StateDiscoveringServices
	StateReady
	StateDisconnected
)

var connectionStateNames = [...]string{
	StatePoweredOff:          "powered_off",
	StateIdle:                "idle",
	StateScanning:            "scanning",
	StateDiscovered:          "discovered",
	StateConnecting:          "connecting",
	StateDiscoveringServices: "discovering_services",
	StateReady:               "ready",
	StateDisconnected:        "disconnected",
}

func (s ConnectionState) String() string {
	if s >= 0 && int(s) < len(connectionStateNames) {
		return connectionStateNames[s]
	}
	return "unknown"
}

// EventKind enumerates controller notifications
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners in the order it was produced. State holds
// the first state for EventConnected, the new state for EventStateChanged and
// the last known state for EventDisconnected.
type Event struct {
	Kind  EventKind
	State State
}

// Listener consumes controller events. Calls are made from a single
// goroutine and must not block for long.
type Listener interface {
	OnEvent(ev Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ev Event)

// OnEvent implements Listener
func (f ListenerFunc) OnEvent(ev Event) {
	f(ev)
}

// IdentityStore persists the bound peripheral identity between runs
type IdentityStore interface {
	Save(id string) error
}
