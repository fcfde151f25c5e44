package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsByKind(t *testing.T) {
	cause := errors.New("le-connection-abort")
	err := NewError(KindConnectFailed, cause, "dial %s", "AA:BB")

	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.False(t, errors.Is(err, ErrDisconnected))
	assert.True(t, errors.Is(err, cause), "platform error is unwrapped")
	assert.Equal(t, "connect_failed: dial AA:BB: le-connection-abort", err.Error())

	wrapped := fmt.Errorf("establish: %w", err)
	assert.True(t, IsKind(wrapped, KindConnectFailed))
	assert.False(t, IsKind(wrapped, KindCancelled))
	assert.False(t, IsKind(cause, KindConnectFailed))
}

func TestError_Format(t *testing.T) {
	assert.Equal(t, "cancelled", ErrCancelled.Error())
	assert.Equal(t, "not_connected: write", NewError(KindNotConnected, nil, "write").Error())
	assert.Equal(t, "disconnected: boom", (&Error{Kind: KindDisconnected, Err: errors.New("boom")}).Error())
}

func TestNotFoundError(t *testing.T) {
	svc := &NotFoundError{Resource: "service", UUIDs: []string{"99fa0001"}}
	assert.Equal(t, `service "99fa0001" not found`, svc.Error())
	assert.True(t, errors.Is(svc, ErrMissingServices))
	assert.False(t, errors.Is(svc, ErrMissingCharacteristics))

	char := &NotFoundError{Resource: "characteristic", UUIDs: []string{"99fa0001", "99fa0002"}}
	assert.Equal(t, `characteristic "99fa0002" not found in service "99fa0001"`, char.Error())
	assert.True(t, errors.Is(fmt.Errorf("discover: %w", char), ErrMissingCharacteristics))
}

func TestIsLifecycle(t *testing.T) {
	for _, err := range []error{ErrRadioNotReady, ErrConnectFailed, ErrMissingServices, ErrMissingCharacteristics, ErrDisconnected} {
		assert.True(t, IsLifecycle(err), "%v", err)
	}
	for _, err := range []error{ErrNotConnected, ErrMalformedPayload, ErrInvalidPositionCommand, ErrCancelled, errors.New("x")} {
		assert.False(t, IsLifecycle(err), "%v", err)
	}
}
