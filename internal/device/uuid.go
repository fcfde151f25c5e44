package device

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal BLE library format (lowercase, no dashes).
// Also strips a 0x prefix if present (e.g., "0x2902" -> "2902").
// Full UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb)
// collapse to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	uuid = strings.TrimSpace(strings.ToLower(uuid))
	uuid = strings.TrimPrefix(uuid, "0x")
	uuid = strings.ReplaceAll(uuid, "-", "")
	if len(uuid) == 32 && strings.HasPrefix(uuid, "0000") && strings.HasSuffix(uuid, sigBaseSuffix) {
		return uuid[4:8]
	}
	return uuid
}

// ParseUUID validates and converts a textual UUID into a go-ble UUID
func ParseUUID(uuid string) (ble.UUID, error) {
	if strings.TrimSpace(uuid) == "" {
		return nil, fmt.Errorf("UUID cannot be empty")
	}
	u, err := ble.Parse(NormalizeUUID(uuid))
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", uuid, err)
	}
	return u, nil
}

// MustParseUUID is ParseUUID for compile-time constants; it panics on malformed input
func MustParseUUID(uuid string) ble.UUID {
	u, err := ParseUUID(uuid)
	if err != nil {
		panic(err)
	}
	return u
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// FindService returns the service with the given UUID, or nil
func FindService(services []*ble.Service, uuid ble.UUID) *ble.Service {
	for _, s := range services {
		if s != nil && s.UUID.Equal(uuid) {
			return s
		}
	}
	return nil
}

// FindCharacteristic returns the characteristic with the given UUID, or nil
func FindCharacteristic(chars []*ble.Characteristic, uuid ble.UUID) *ble.Characteristic {
	for _, c := range chars {
		if c != nil && c.UUID.Equal(uuid) {
			return c
		}
	}
	return nil
}
