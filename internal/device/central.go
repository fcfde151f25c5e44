package device

import (
	"github.com/go-ble/ble"
)

// RadioState reports whether the local BLE radio can be used
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioPoweredOff
	RadioPoweredOn
)

func (s RadioState) String() string {
	switch s {
	case RadioPoweredOff:
		return "powered_off"
	case RadioPoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Peripheral identifies a remote BLE device. ID is the platform address
// (MAC on Linux, CoreBluetooth UUID on macOS) and is what gets persisted.
type Peripheral struct {
	ID   string
	Name string
	RSSI int
}

// Tag correlates a Central request with the event that completes it.
// Zero is reserved for unsolicited events.
type Tag uint64

// EventKind enumerates the callbacks a Central delivers
type EventKind int

const (
	EventRadioState EventKind = iota
	EventDiscovered
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventDescriptorsDiscovered
	EventValueUpdated
	EventValueWritten
	EventNotifyStateUpdated
)

var eventKindNames = map[EventKind]string{
	EventRadioState:                "radio_state",
	EventDiscovered:                "discovered",
	EventConnected:                 "connected",
	EventConnectFailed:             "connect_failed",
	EventDisconnected:              "disconnected",
	EventServicesDiscovered:        "services_discovered",
	EventCharacteristicsDiscovered: "characteristics_discovered",
	EventDescriptorsDiscovered:     "descriptors_discovered",
	EventValueUpdated:              "value_updated",
	EventValueWritten:              "value_written",
	EventNotifyStateUpdated:        "notify_state_updated",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a single callback from the radio stack. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind EventKind
	Tag  Tag

	Radio      RadioState
	Peripheral Peripheral

	Services        []*ble.Service
	Service         *ble.Service
	Characteristics []*ble.Characteristic
	Characteristic  *ble.Characteristic
	Descriptors     []*ble.Descriptor
	Value           []byte
	Enabled         bool

	Err error
}

// Central is the event-driven view of the local BLE radio acting as a GATT
// client. Request methods never block on the radio: each one is answered later
// by exactly zero or one Event on Events(), carrying the same Tag. Events may
// arrive out of order, late (after the connection dropped), or never.
type Central interface {
	State() RadioState
	Events() <-chan Event

	// Retrieve returns a previously bonded peripheral without scanning.
	Retrieve(id string) (Peripheral, bool)
	// Scan starts discovery filtered by an advertised service UUID.
	Scan(service ble.UUID) error
	StopScan()

	Connect(tag Tag, p Peripheral)
	CancelConnection()

	DiscoverServices(tag Tag, filter []ble.UUID)
	DiscoverCharacteristics(tag Tag, filter []ble.UUID, svc *ble.Service)
	DiscoverDescriptors(tag Tag, c *ble.Characteristic)

	ReadValue(tag Tag, c *ble.Characteristic)
	WriteValue(tag Tag, data []byte, c *ble.Characteristic)
	SetNotifyValue(tag Tag, enabled bool, c *ble.Characteristic)

	Close() error
}
