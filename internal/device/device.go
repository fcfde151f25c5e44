package device

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a required GATT resource is absent
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	// For BLE hierarchy: characteristic is in service, descriptor is in characteristic
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// Is lets errors.Is match a NotFoundError against the missing-resource sentinels
func (e *NotFoundError) Is(target error) bool {
	switch e.Resource {
	case "service":
		return errors.Is(ErrMissingServices, target)
	case "characteristic", "descriptor":
		return errors.Is(ErrMissingCharacteristics, target)
	}
	return false
}

// Kind classifies a failure of the BLE stack, the bridge or the desk controller
type Kind string

const (
	KindRadioNotReady          Kind = "radio_not_ready"
	KindConnectFailed          Kind = "connect_failed"
	KindMissingServices        Kind = "missing_services"
	KindMissingCharacteristics Kind = "missing_characteristics"
	KindNotConnected           Kind = "not_connected"
	KindMalformedPayload       Kind = "malformed_payload"
	KindInvalidPositionCommand Kind = "invalid_position_command"
	KindCancelled              Kind = "cancelled"
	KindDisconnected           Kind = "disconnected"
)

// Error is the typed error used across the module. Two errors are considered
// equal by errors.Is when their kinds match.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Unwrap exposes the platform error carried by the failure, if any
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors
var (
	ErrRadioNotReady          = &Error{Kind: KindRadioNotReady}
	ErrConnectFailed          = &Error{Kind: KindConnectFailed}
	ErrMissingServices        = &Error{Kind: KindMissingServices}
	ErrMissingCharacteristics = &Error{Kind: KindMissingCharacteristics}
	ErrNotConnected           = &Error{Kind: KindNotConnected}
	ErrMalformedPayload       = &Error{Kind: KindMalformedPayload}
	ErrInvalidPositionCommand = &Error{Kind: KindInvalidPositionCommand}
	ErrCancelled              = &Error{Kind: KindCancelled}
	ErrDisconnected           = &Error{Kind: KindDisconnected}
)

// NewError builds an Error of the given kind wrapping cause
func NewError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// IsKind reports whether err is an Error with the given kind
func IsKind(err error, kind Kind) bool {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind == kind
	}
	return false
}

// IsLifecycle reports whether err belongs to the connection-lifecycle family.
// Those failures are logged and retried, never surfaced to command callers.
func IsLifecycle(err error) bool {
	return errors.Is(err, ErrRadioNotReady) ||
		errors.Is(err, ErrConnectFailed) ||
		errors.Is(err, ErrMissingServices) ||
		errors.Is(err, ErrMissingCharacteristics) ||
		errors.Is(err, ErrDisconnected)
}
