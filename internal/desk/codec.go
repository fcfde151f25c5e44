package desk

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/srg/desklink/internal/device"
)

const (
	// DefaultPositionOffset is the physical height (cm) at raw position 0
	DefaultPositionOffset = 62.0
	// DefaultMinPosition and DefaultMaxPosition bound accepted move targets
	DefaultMinPosition = 62.0
	DefaultMaxPosition = 127.0

	positionPayloadLen = 4
)

// Command is a two-byte opcode written to the control characteristic
type Command uint16

const (
	CommandUp        Command = 0x0047
	CommandDown      Command = 0x0046
	CommandStop      Command = 0x00FF
	CommandUndefined Command = 0x00FE
)

func (c Command) String() string {
	switch c {
	case CommandUp:
		return "UP"
	case CommandDown:
		return "DOWN"
	case CommandStop:
		return "STOP"
	case CommandUndefined:
		return "UNDEFINED"
	default:
		return fmt.Sprintf("0x%04x", uint16(c))
	}
}

// Bytes returns the little-endian wire form
func (c Command) Bytes() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(c))
	return b
}

// Codec translates between position characteristic payloads and physical
// values. It is stateless; Offset is the height at raw position 0.
type Codec struct {
	Offset float64
}

// NewCodec returns a codec for the given offset
func NewCodec(offset float64) Codec {
	return Codec{Offset: offset}
}

// Decode parses a position read or notification: uint16 raw position followed
// by int16 speed, both little-endian hundredths.
func (c Codec) Decode(b []byte) (State, error) {
	if len(b) < positionPayloadLen {
		return State{}, device.NewError(device.KindMalformedPayload, nil,
			"position payload has %d bytes, want %d", len(b), positionPayloadLen)
	}
	raw := binary.LittleEndian.Uint16(b[0:2])
	speed := int16(binary.LittleEndian.Uint16(b[2:4]))
	return State{
		Position:    c.Position(raw),
		Speed:       float64(speed) / 100,
		RawPosition: raw,
	}, nil
}

// Position converts a raw position into physical units
func (c Codec) Position(raw uint16) float64 {
	return c.Offset + float64(raw)/100
}

// RawPosition converts a physical position into the firmware's raw units,
// saturating at the uint16 range.
func (c Codec) RawPosition(position float64) uint16 {
	v := math.Round((position - c.Offset) * 100)
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

// EncodeMoveTo builds the move-to characteristic payload for position
func (c Codec) EncodeMoveTo(position float64) []byte {
	return EncodeRaw(c.RawPosition(position))
}

// EncodeRaw builds the move-to payload for an already converted raw position
func EncodeRaw(raw uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, raw)
	return b
}
