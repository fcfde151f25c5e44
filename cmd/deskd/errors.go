package main

import (
	"errors"

	"github.com/srg/desklink/internal/device"
)

// Command-level errors
var (
	// ErrNotReady means the desk did not become ready before the command timed out
	ErrNotReady = errors.New("desk not ready")
)

// FormatUserError turns typed failures into one-line messages for the terminal
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotReady):
		return "desk not reachable: make sure it is powered and in range (" + err.Error() + ")"
	case errors.Is(err, device.ErrRadioNotReady):
		return "bluetooth is unavailable: turn it on and try again"
	case errors.Is(err, device.ErrInvalidPositionCommand):
		return "position out of range: " + err.Error()
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, device.ErrDisconnected):
		return "desk disconnected during the command"
	case errors.Is(err, device.ErrMissingServices), errors.Is(err, device.ErrMissingCharacteristics):
		return "device does not look like a Linak desk: " + err.Error()
	default:
		return err.Error()
	}
}
