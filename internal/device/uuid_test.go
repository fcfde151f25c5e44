package device

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit UUID",
			input:    "2902",
			expected: "2902",
		},
		{
			name:     "16-bit UUID with 0X prefix",
			input:    "0X2902",
			expected: "2902",
		},
		{
			name:     "Bluetooth SIG base UUID",
			input:    "00002902-0000-1000-8000-00805F9B34FB",
			expected: "2902",
		},
		{
			name:     "Bluetooth SIG base UUID without dashes",
			input:    "0000180d00001000800000805f9b34fb",
			expected: "180d",
		},
		{
			name:     "Linak UUID is kept whole",
			input:    "99FA0021-338A-1024-8A49-009C0215F78A",
			expected: "99fa0021338a10248a49009c0215f78a",
		},
		{
			name:     "non-zero prefix on SIG suffix is kept whole",
			input:    "1000180d-0000-1000-8000-00805f9b34fb",
			expected: "1000180d00001000800000805f9b34fb",
		},
		{
			name:     "surrounding whitespace",
			input:    "  2a37 ",
			expected: "2a37",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestParseUUID(t *testing.T) {
	u, err := ParseUUID("99fa0002-338a-1024-8a49-009c0215f78a")
	require.NoError(t, err)
	assert.True(t, u.Equal(ble.MustParse("99fa0002338a10248a49009c0215f78a")))

	_, err = ParseUUID("")
	assert.Error(t, err)

	_, err = ParseUUID("not-a-uuid")
	assert.ErrorContains(t, err, "not-a-uuid")

	assert.Panics(t, func() { MustParseUUID("zz") })
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "99fa0021", ShortenUUID("99fa0021338a10248a49009c0215f78a"))
	assert.Equal(t, "2902", ShortenUUID("2902"))
}

func TestFindServiceAndCharacteristic(t *testing.T) {
	svcA := &ble.Service{UUID: MustParseUUID("99fa0001-338a-1024-8a49-009c0215f78a")}
	svcB := &ble.Service{UUID: MustParseUUID("99fa0020-338a-1024-8a49-009c0215f78a")}
	services := []*ble.Service{nil, svcA, svcB}

	assert.Same(t, svcB, FindService(services, MustParseUUID("99FA0020-338A-1024-8A49-009C0215F78A")))
	assert.Nil(t, FindService(services, MustParseUUID("180d")))

	char := &ble.Characteristic{UUID: MustParseUUID("99fa0002-338a-1024-8a49-009c0215f78a")}
	assert.Same(t, char, FindCharacteristic([]*ble.Characteristic{char}, char.UUID))
	assert.Nil(t, FindCharacteristic(nil, char.UUID))
}
