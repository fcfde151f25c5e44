package mqttbridge

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CommandKind is a textual bus command
type CommandKind int

const (
	CommandStop CommandKind = iota
	CommandOpen
	CommandClose
	CommandAnnounce
	CommandMove
)

func (k CommandKind) String() string {
	switch k {
	case CommandStop:
		return "STOP"
	case CommandOpen:
		return "OPEN"
	case CommandClose:
		return "CLOSE"
	case CommandAnnounce:
		return "ANNOUNCE"
	case CommandMove:
		return "MOVE"
	default:
		return "UNKNOWN"
	}
}

// Command is a parsed bus command. Position is set for CommandMove only.
type Command struct {
	Kind     CommandKind
	Position float64
}

// ParseCommand accepts STOP, OPEN, CLOSE, ANNOUNCE (any case) or a decimal
// position in centimetres.
func ParseCommand(payload []byte) (Command, error) {
	text := strings.TrimSpace(string(payload))
	switch strings.ToUpper(text) {
	case "STOP":
		return Command{Kind: CommandStop}, nil
	case "OPEN":
		return Command{Kind: CommandOpen}, nil
	case "CLOSE":
		return Command{Kind: CommandClose}, nil
	case "ANNOUNCE":
		return Command{Kind: CommandAnnounce}, nil
	}

	pos, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(pos) || math.IsInf(pos, 0) {
		return Command{}, fmt.Errorf("unrecognized command %q", text)
	}
	return Command{Kind: CommandMove, Position: pos}, nil
}
