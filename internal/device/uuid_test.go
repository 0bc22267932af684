package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		// short forms
		{
			name:     "16-bit serial port",
			input:    "1101",
			expected: SerialPortServiceUUID,
		},
		{
			name:     "16-bit with 0x prefix",
			input:    "0x1101",
			expected: SerialPortServiceUUID,
		},
		{
			name:     "16-bit with 0X prefix and spaces",
			input:    " 0X1101 ",
			expected: SerialPortServiceUUID,
		},
		{
			name:     "32-bit",
			input:    "00001101",
			expected: SerialPortServiceUUID,
		},

		// 128-bit
		{
			name:     "lowercase with dashes",
			input:    "00001101-0000-1000-8000-00805f9b34fb",
			expected: SerialPortServiceUUID,
		},
		{
			name:     "without dashes",
			input:    "0000110100001000800000805f9b34fb",
			expected: SerialPortServiceUUID,
		},
		{
			name:     "vendor UUID kept",
			input:    "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			expected: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
		},

		// invalid
		{name: "empty", input: "", wantErr: true},
		{name: "only prefix", input: "0x", wantErr: true},
		{name: "not hex", input: "zzzz", wantErr: true},
		{name: "odd length", input: "12345", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandUUID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "1101", ShortenUUID(SerialPortServiceUUID))
	assert.Equal(t, "1101", ShortenUUID("0x1101"))
	assert.Equal(t, "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", ShortenUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e"))
	assert.Equal(t, "garbage", ShortenUUID("garbage"))
}
