package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix completes a 16- or 32-bit assigned number into a 128-bit UUID.
const bluetoothBaseSuffix = "-0000-1000-8000-00805F9B34FB"

// ExpandUUID converts a service class UUID to the canonical 128-bit, upper-case form.
// 16-bit ("1101", "0x1101") and 32-bit short forms are expanded over the Bluetooth base UUID;
// 128-bit values are accepted with or without dashes.
func ExpandUUID(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return "", fmt.Errorf("UUID cannot be empty")
	}

	switch len(trimmed) {
	case 4:
		trimmed = "0000" + trimmed + bluetoothBaseSuffix
	case 8:
		trimmed = trimmed + bluetoothBaseSuffix
	}

	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return strings.ToUpper(parsed.String()), nil
}

// ShortenUUID returns the 16-bit form of a UUID built on the Bluetooth base, for display.
// Other UUIDs are returned unchanged.
func ShortenUUID(s string) string {
	full, err := ExpandUUID(s)
	if err != nil {
		return s
	}
	if strings.HasPrefix(full, "0000") && strings.HasSuffix(full, bluetoothBaseSuffix) {
		return full[4:8]
	}
	return full
}
