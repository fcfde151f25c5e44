package mqttbridge

import (
	"encoding/json"
	"strings"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Topics lists every topic derived from the base topic
type Topics struct {
	State        string
	Position     string
	Command      string
	Availability string
	Discovery    string // empty when discovery is disabled
}

func newTopics(base, discoveryPrefix string) Topics {
	base = strings.TrimRight(base, "/")
	t := Topics{
		State:        base + "/state",
		Position:     base + "/position",
		Command:      base + "/command",
		Availability: base + "/availability",
	}
	if discoveryPrefix != "" {
		t.Discovery = strings.TrimRight(discoveryPrefix, "/") + "/cover/" + nodeID(base) + "/config"
	}
	return t
}

// nodeID turns a topic into an identifier Home Assistant accepts
func nodeID(base string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, base)
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// discoveryConfig is the Home Assistant MQTT cover entity
type discoveryConfig struct {
	Name               string          `json:"name"`
	UniqueID           string          `json:"unique_id"`
	DeviceClass        string          `json:"device_class"`
	CommandTopic       string          `json:"command_topic"`
	SetPositionTopic   string          `json:"set_position_topic"`
	PositionTopic      string          `json:"position_topic"`
	AvailabilityTopic  string          `json:"availability_topic"`
	PayloadAvailable   string          `json:"payload_available"`
	PayloadUnavailable string          `json:"payload_not_available"`
	PayloadOpen        string          `json:"payload_open"`
	PayloadClose       string          `json:"payload_close"`
	PayloadStop        string          `json:"payload_stop"`
	PositionOpen       int             `json:"position_open"`
	PositionClosed     int             `json:"position_closed"`
	QoS                byte            `json:"qos"`
	Device             discoveryDevice `json:"device"`
}

func (b *Bridge) discoveryPayload() ([]byte, error) {
	lo, hi := b.desk.Limits()
	id := nodeID(b.opts.BaseTopic)
	return json.Marshal(discoveryConfig{
		Name:               b.opts.Name,
		UniqueID:           "desklink_" + id,
		DeviceClass:        "shade",
		CommandTopic:       b.topics.Command,
		SetPositionTopic:   b.topics.Command,
		PositionTopic:      b.topics.Position,
		AvailabilityTopic:  b.topics.Availability,
		PayloadAvailable:   payloadOnline,
		PayloadUnavailable: payloadOffline,
		PayloadOpen:        CommandOpen.String(),
		PayloadClose:       CommandClose.String(),
		PayloadStop:        CommandStop.String(),
		PositionOpen:       int(hi),
		PositionClosed:     int(lo),
		QoS:                b.opts.QoS,
		Device: discoveryDevice{
			Identifiers:  []string{"desklink_" + id},
			Name:         b.opts.Name,
			Manufacturer: "Linak",
			Model:        "DPG",
		},
	})
}
