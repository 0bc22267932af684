package device

import (
	"context"
	"io"
)

// SerialPortServiceUUID is the well-known Serial Port Profile service class identifier.
const SerialPortServiceUUID = "00001101-0000-1000-8000-00805F9B34FB"

// DefaultFallbackChannel is the RFCOMM channel dialed when the service record cannot be used.
const DefaultFallbackChannel uint8 = 1

// Strategy selects how an RFCOMM channel is located on the remote peripheral.
type Strategy int

const (
	// StrategyServiceRecord resolves the channel through service discovery using ChannelSpec.ServiceUUID.
	StrategyServiceRecord Strategy = iota
	// StrategyFixedChannel dials ChannelSpec.Channel directly, bypassing service discovery.
	// Some peripheral firmware publishes a broken service record; this reaches them anyway.
	StrategyFixedChannel
)

func (s Strategy) String() string {
	switch s {
	case StrategyServiceRecord:
		return "service-record"
	case StrategyFixedChannel:
		return "fixed-channel"
	default:
		return "unknown"
	}
}

// ChannelSpec describes one connection strategy.
type ChannelSpec struct {
	Strategy    Strategy
	ServiceUUID string // used by StrategyServiceRecord
	Channel     uint8  // used by StrategyFixedChannel
}

// Socket is one transport session to a remote peripheral.
//
// A Socket is created unconnected by Adapter.NewSocket; Connect performs the handshake.
// Close must interrupt a Read blocked in another goroutine.
type Socket interface {
	io.ReadWriteCloser

	// Connect performs the handshake, bounded by ctx.
	Connect(ctx context.Context) error

	// Probe performs a cheap, non-blocking liveness check that never consumes inbound bytes.
	Probe() error
}

// AdapterState mirrors the host platform's adapter state codes.
type AdapterState int

const (
	StateOff        AdapterState = 10
	StateTurningOn  AdapterState = 11
	StateOn         AdapterState = 12
	StateTurningOff AdapterState = 13
)

func (s AdapterState) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateTurningOn:
		return "turning_on"
	case StateOn:
		return "on"
	case StateTurningOff:
		return "turning_off"
	default:
		return "unknown"
	}
}

// DeviceType mirrors the host platform's device type codes.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = 0
	DeviceTypeClassic DeviceType = 1
	DeviceTypeLE      DeviceType = 2
	DeviceTypeDual    DeviceType = 3
)

// BondedDevice is a previously paired peripheral as reported by the adapter.
type BondedDevice struct {
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	Type        DeviceType `json:"type"`
	IsConnected bool       `json:"isConnected"`
}

// Adapter is the local radio subsystem.
//
// Query methods never fail: an absent or unreachable adapter reports unavailable/disabled/off.
type Adapter interface {
	Available() bool
	Enabled() bool
	State() AdapterState

	// Enable powers the adapter on.
	Enable(ctx context.Context) error

	// BondedDevices enumerates previously paired peripherals.
	BondedDevices(ctx context.Context) ([]BondedDevice, error)

	// CancelDiscovery stops any in-progress inquiry; discovery degrades handshake latency.
	CancelDiscovery(ctx context.Context) error

	// NewSocket creates an unconnected socket for addr using the given strategy.
	NewSocket(addr Address, spec ChannelSpec) (Socket, error)

	Close() error
}
