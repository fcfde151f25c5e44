package desk

import (
	"github.com/go-ble/ble"
	"github.com/srg/desklink/internal/device"
)

// GATT profile of Linak DPG desk controllers
var (
	PositionServiceUUID = device.MustParseUUID("99fa0020-338a-1024-8a49-009c0215f78a")
	PositionCharUUID    = device.MustParseUUID("99fa0021-338a-1024-8a49-009c0215f78a")

	ControlServiceUUID = device.MustParseUUID("99fa0001-338a-1024-8a49-009c0215f78a")
	CommandCharUUID    = device.MustParseUUID("99fa0002-338a-1024-8a49-009c0215f78a")

	ReferenceInputServiceUUID = device.MustParseUUID("99fa0030-338a-1024-8a49-009c0215f78a")
	MoveToCharUUID            = device.MustParseUUID("99fa0031-338a-1024-8a49-009c0215f78a")
)

// ScanSignature is the advertised service used to recognize a desk while scanning
var ScanSignature = ControlServiceUUID

// requirement pairs a service with the one characteristic the controller needs from it
type requirement struct {
	name    string
	service ble.UUID
	char    ble.UUID
}

var requirements = []requirement{
	{name: "position", service: PositionServiceUUID, char: PositionCharUUID},
	{name: "command", service: ControlServiceUUID, char: CommandCharUUID},
	{name: "move-to", service: ReferenceInputServiceUUID, char: MoveToCharUUID},
}

func requiredServices() []ble.UUID {
	out := make([]ble.UUID, 0, len(requirements))
	for _, r := range requirements {
		out = append(out, r.service)
	}
	return out
}
