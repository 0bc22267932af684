//go:build !linux

package bluez

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
)

// Adapter reports itself unavailable on platforms without BlueZ.
type Adapter struct {
	logger *logrus.Logger
}

// New returns an adapter that is never available.
func New(_ Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	logger.Warn("BlueZ is only supported on Linux, Bluetooth unavailable")
	return &Adapter{logger: logger}
}

func (a *Adapter) Available() bool { return false }

func (a *Adapter) Enabled() bool { return false }

func (a *Adapter) State() device.AdapterState { return device.StateOff }

func (a *Adapter) Enable(context.Context) error {
	return device.NewError(device.AdapterUnavailable, "Bluetooth is not supported on this platform", device.ErrUnsupported)
}

func (a *Adapter) BondedDevices(context.Context) ([]device.BondedDevice, error) {
	return nil, device.NewError(device.AdapterUnavailable, "Bluetooth is not supported on this platform", device.ErrUnsupported)
}

func (a *Adapter) CancelDiscovery(context.Context) error {
	return device.ErrUnsupported
}

func (a *Adapter) NewSocket(device.Address, device.ChannelSpec) (device.Socket, error) {
	return nil, device.NewError(device.AdapterUnavailable, "Bluetooth is not supported on this platform", device.ErrUnsupported)
}

func (a *Adapter) Close() error { return nil }

var _ device.Adapter = (*Adapter)(nil)
