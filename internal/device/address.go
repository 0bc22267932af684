package device

import (
	"fmt"
	"net"
	"strings"
)

// Address is the normalized hardware address of a remote peripheral ("AA:BB:CC:DD:EE:FF").
// It is the sole key for registry lookups and event correlation.
type Address string

// ParseAddress normalizes a user- or host-supplied address.
// Colon, dash and dot separated 48-bit forms are accepted; the result is upper-case, colon separated.
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", NewError(InvalidIdentity, "device address is required", nil)
	}

	hw, err := net.ParseMAC(trimmed)
	if err != nil {
		return "", NewError(InvalidIdentity, fmt.Sprintf("invalid Bluetooth address: %s", s), err)
	}
	if len(hw) != 6 {
		return "", NewError(InvalidIdentity, fmt.Sprintf("invalid Bluetooth address: %s", s), nil)
	}

	return Address(strings.ToUpper(hw.String())), nil
}

// MustParseAddress is like ParseAddress but panics on malformed input.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	return string(a)
}

// BDAddr returns the address in the little-endian byte order the kernel expects in sockaddr_rc.
func (a Address) BDAddr() [6]byte {
	var b [6]byte
	hw, err := net.ParseMAC(string(a))
	if err != nil || len(hw) != 6 {
		return b
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b
}

// PathSegment returns the BlueZ object path element for this address ("dev_AA_BB_CC_DD_EE_FF").
func (a Address) PathSegment() string {
	return "dev_" + strings.ReplaceAll(string(a), ":", "_")
}

// AddressFromPath extracts the address from a BlueZ device object path, or "" if it has none.
func AddressFromPath(path string) Address {
	idx := strings.LastIndex(path, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := strings.ReplaceAll(path[idx+5:], "_", ":")
	addr, err := ParseAddress(mac)
	if err != nil {
		return ""
	}
	return addr
}
