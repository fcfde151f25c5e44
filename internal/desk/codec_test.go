package desk

import (
	"errors"
	"testing"

	"github.com/srg/desklink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_Decode(t *testing.T) {
	codec := NewCodec(DefaultPositionOffset)

	tests := []struct {
		name     string
		payload  []byte
		position float64
		speed    float64
		raw      uint16
	}{
		{
			name:     "raw 50 at rest",
			payload:  []byte{0x32, 0x00, 0x00, 0x00},
			position: 62.5,
			speed:    0,
			raw:      50,
		},
		{
			name:     "lowest position",
			payload:  []byte{0x00, 0x00, 0x00, 0x00},
			position: 62.0,
			raw:      0,
		},
		{
			name:     "moving up",
			payload:  []byte{0x10, 0x27, 0x64, 0x00}, // 10000, +100
			position: 162.0,
			speed:    1.0,
			raw:      10000,
		},
		{
			name:     "moving down",
			payload:  []byte{0xe8, 0x03, 0x9c, 0xff}, // 1000, -100
			position: 72.0,
			speed:    -1.0,
			raw:      1000,
		},
		{
			name:     "trailing bytes ignored",
			payload:  []byte{0x32, 0x00, 0x00, 0x00, 0xaa, 0xbb},
			position: 62.5,
			raw:      50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := codec.Decode(tt.payload)
			require.NoError(t, err)
			assert.InDelta(t, tt.position, st.Position, 1e-9)
			assert.InDelta(t, tt.speed, st.Speed, 1e-9)
			assert.Equal(t, tt.raw, st.RawPosition)
		})
	}
}

func TestCodec_DecodeMalformed(t *testing.T) {
	codec := NewCodec(DefaultPositionOffset)

	for _, payload := range [][]byte{nil, {}, {0x01}, {0x01, 0x02, 0x03}} {
		_, err := codec.Decode(payload)
		require.Error(t, err)
		assert.True(t, errors.Is(err, device.ErrMalformedPayload), "len %d: %v", len(payload), err)
	}
}

func TestCodec_EncodeMoveTo(t *testing.T) {
	codec := NewCodec(DefaultPositionOffset)

	assert.Equal(t, []byte{0x32, 0x00}, codec.EncodeMoveTo(62.5))
	assert.Equal(t, []byte{0x00, 0x00}, codec.EncodeMoveTo(62.0))
	assert.Equal(t, []byte{0x64, 0x19}, codec.EncodeMoveTo(127.0)) // 6500
	assert.Equal(t, uint16(1235), codec.RawPosition(74.346), "rounds to the nearest hundredth")
	assert.Equal(t, uint16(0), codec.RawPosition(10), "saturates below the offset")
}

// GOAL: Verify that raw positions survive decode -> encode and physical
// positions survive encode -> decode within the 0.01 quantization
func TestCodec_RoundTrip(t *testing.T) {
	codec := NewCodec(DefaultPositionOffset)

	for raw := 0; raw <= 6500; raw += 7 {
		payload := append(EncodeRaw(uint16(raw)), 0x00, 0x00)
		st, err := codec.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, uint16(raw), codec.RawPosition(st.Position))
	}

	for _, pos := range []float64{62.0, 62.004, 70.126, 99.999, 120.5, 127.0} {
		payload := append(codec.EncodeMoveTo(pos), 0x00, 0x00)
		st, err := codec.Decode(payload)
		require.NoError(t, err)
		assert.InDelta(t, pos, st.Position, 0.005+1e-9)
	}
}

func TestCommand_Bytes(t *testing.T) {
	assert.Equal(t, []byte{0x47, 0x00}, CommandUp.Bytes())
	assert.Equal(t, []byte{0x46, 0x00}, CommandDown.Bytes())
	assert.Equal(t, []byte{0xff, 0x00}, CommandStop.Bytes())
	assert.Equal(t, []byte{0xfe, 0x00}, CommandUndefined.Bytes())
	assert.Equal(t, "UNDEFINED", CommandUndefined.String())
}
