package goble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/desklink/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind device.Kind
	}{
		{"darwin powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.KindRadioNotReady},
		{"linux no adapter", errors.New("can't init hci: no devices available"), device.KindRadioNotReady},
		{"bluetooth off", errors.New("Bluetooth is turned off"), device.KindRadioNotReady},
		{"link lost", errors.New("device not connected"), device.KindDisconnected},
		{"dial timeout", fmt.Errorf("dial: %w", context.DeadlineExceeded), device.KindConnectFailed},
		{"dial refused", errors.New("can't dial: connection failed"), device.KindConnectFailed},
		{"cancelled", context.Canceled, device.KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.True(t, device.IsKind(got, tt.kind), "got %v", got)
			assert.True(t, errors.Is(got, tt.err), "original error stays reachable")
		})
	}
}

func TestNormalizeError_Passthrough(t *testing.T) {
	assert.NoError(t, NormalizeError(nil))

	typed := device.NewError(device.KindNotConnected, nil, "write")
	assert.Same(t, typed, NormalizeError(typed))

	other := errors.New("ATT error 0x0e")
	assert.Equal(t, other, NormalizeError(other))
}

func TestIsRadioOff(t *testing.T) {
	assert.True(t, IsRadioOff(errors.New("can't init hci")))
	assert.False(t, IsRadioOff(errors.New("device not connected")))
	assert.False(t, IsRadioOff(nil))
}
