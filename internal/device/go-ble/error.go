package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/desklink/internal/device"
)

// NormalizeError maps known go-ble error strings to typed device errors.
// It ensures consistent handling even if the upstream library changes messages slightly.
// The original error stays reachable through Unwrap.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var derr *device.Error
	if errors.As(err, &derr) {
		return err
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		return device.NewError(device.KindCancelled, err, "")
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return device.NewError(device.KindRadioNotReady, err, "bluetooth is off")
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "no devices available"):
		return device.NewError(device.KindRadioNotReady, err, "bluetooth is off")
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return device.NewError(device.KindDisconnected, err, "")
	case errors.Is(err, context.DeadlineExceeded),
		containsIgnoreCase(msg, "connection failed"),
		containsIgnoreCase(msg, "can't dial"):
		return device.NewError(device.KindConnectFailed, err, "")
	default:
		return err
	}
}

// IsRadioOff reports whether err means the adapter is unavailable
func IsRadioOff(err error) bool {
	return errors.Is(NormalizeError(err), device.ErrRadioNotReady)
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
