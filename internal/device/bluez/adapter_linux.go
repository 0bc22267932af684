//go:build linux

package bluez

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
)

var profileCounter uint64

// Adapter is a device.Adapter backed by a private BlueZ system bus connection.
type Adapter struct {
	bus    *dbus.Conn
	busErr error
	name   string
	path   dbus.ObjectPath
	logger *logrus.Logger

	mu      sync.Mutex
	brokers map[string]*profileBroker
	cleanup []func()
	closed  bool
}

// New connects to the system bus. A bus that cannot be reached is not an error:
// the adapter then reports itself unavailable and every operation fails.
func New(opts Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	name := opts.AdapterName
	if name == "" {
		name = DefaultAdapterName
	}

	a := &Adapter{
		name:    name,
		path:    adapterPath(name),
		logger:  logger,
		brokers: make(map[string]*profileBroker),
	}

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		logger.WithError(err).Warn("Failed to connect to the system bus, Bluetooth unavailable")
		a.busErr = err
		return a
	}
	a.bus = bus
	a.cleanup = append(a.cleanup, func() { _ = bus.Close() })

	logger.WithFields(logrus.Fields{
		"adapter": name,
		"path":    a.path,
	}).Debug("Connected to BlueZ")
	return a
}

func (a *Adapter) managedObjects(ctx context.Context) (managedObjects, error) {
	if a.bus == nil {
		return nil, device.NewError(device.AdapterUnavailable, "system bus unavailable", a.busErr)
	}

	var objs managedObjects
	obj := a.bus.Object(bluezService, dbus.ObjectPath("/"))
	if err := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", device.NormalizeError(err))
	}
	return objs, nil
}

func (a *Adapter) adapterProps() (map[string]dbus.Variant, bool) {
	if a.bus == nil {
		return nil, false
	}

	var props map[string]dbus.Variant
	obj := a.bus.Object(bluezService, a.path)
	if err := obj.Call(propsIface+".GetAll", 0, adapterIface).Store(&props); err != nil {
		a.logger.WithField("adapter", a.name).WithError(err).Debug("Adapter properties unavailable")
		return nil, false
	}
	return props, true
}

func (a *Adapter) Available() bool {
	_, ok := a.adapterProps()
	return ok
}

func (a *Adapter) Enabled() bool {
	props, ok := a.adapterProps()
	return ok && boolProp(props, "Powered")
}

func (a *Adapter) State() device.AdapterState {
	props, ok := a.adapterProps()
	if !ok {
		return device.StateOff
	}
	return stateFromProps(props)
}

// Enable powers the controller on.
func (a *Adapter) Enable(ctx context.Context) error {
	if !a.Available() {
		return device.NewError(device.AdapterUnavailable, "Bluetooth adapter not found", a.busErr)
	}

	a.logger.WithField("adapter", a.name).Info("Powering on adapter...")
	obj := a.bus.Object(bluezService, a.path)
	call := obj.CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("power on %s: %w", a.name, device.NormalizeError(call.Err))
	}
	return nil
}

// BondedDevices lists paired devices known to this controller, sorted by address.
func (a *Adapter) BondedDevices(ctx context.Context) ([]device.BondedDevice, error) {
	objs, err := a.managedObjects(ctx)
	if err != nil {
		return nil, err
	}

	prefix := string(a.path) + "/"
	out := make([]device.BondedDevice, 0)
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if dev, ok := bondedFromProps(path, props); ok {
			out = append(out, dev)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// CancelDiscovery stops an inquiry in progress. BlueZ reports an error when none is running.
func (a *Adapter) CancelDiscovery(ctx context.Context) error {
	if a.bus == nil {
		return device.NewError(device.AdapterUnavailable, "system bus unavailable", a.busErr)
	}

	var discovering dbus.Variant
	obj := a.bus.Object(bluezService, a.path)
	if err := obj.CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Discovering").Store(&discovering); err == nil {
		if on, _ := discovering.Value().(bool); !on {
			return nil
		}
	}

	if call := obj.CallWithContext(ctx, adapterIface+".StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("StopDiscovery: %w", device.NormalizeError(call.Err))
	}
	return nil
}

// NewSocket returns an unconnected socket for the requested strategy.
func (a *Adapter) NewSocket(addr device.Address, spec device.ChannelSpec) (device.Socket, error) {
	switch spec.Strategy {
	case device.StrategyServiceRecord:
		if a.bus == nil {
			return nil, device.NewError(device.AdapterUnavailable, "system bus unavailable", a.busErr)
		}
		uuid := spec.ServiceUUID
		if uuid == "" {
			uuid = device.SerialPortServiceUUID
		}
		return &profileSocket{adapter: a, address: addr, uuid: uuid}, nil
	case device.StrategyFixedChannel:
		channel := spec.Channel
		if channel == 0 {
			channel = device.DefaultFallbackChannel
		}
		return newRFCOMMSocket(addr, channel), nil
	default:
		return nil, fmt.Errorf("unknown connection strategy %d", spec.Strategy)
	}
}

// profileBroker returns the registered client profile for uuid, registering it on first use.
func (a *Adapter) profileBroker(uuid string) (*profileBroker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, errSocketClosed
	}
	if b, ok := a.brokers[uuid]; ok {
		return b, nil
	}

	id := atomic.AddUint64(&profileCounter, 1)
	path := dbus.ObjectPath(profilePathPrefix + "/p" + strconv.FormatUint(id, 10))
	broker := newProfileBroker(path, uuid, a.logger)

	if err := a.bus.Export(broker, path, profileIface); err != nil {
		return nil, fmt.Errorf("export profile: %w", err)
	}

	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"AutoConnect":           dbus.MakeVariant(false),
		"RequireAuthentication": dbus.MakeVariant(false),
	}
	pm := a.bus.Object(bluezService, bluezRoot)
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, uuid, opts); call.Err != nil {
		_ = a.bus.Export(nil, path, profileIface)
		return nil, fmt.Errorf("RegisterProfile: %w", device.NormalizeError(call.Err))
	}

	a.cleanup = append(a.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = a.bus.Export(nil, path, profileIface)
	})
	a.brokers[uuid] = broker

	a.logger.WithFields(logrus.Fields{
		"uuid": uuid,
		"path": path,
	}).Debug("Registered client profile")
	return broker, nil
}

// Close unregisters profiles and closes the bus connection. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cleanup := a.cleanup
	a.cleanup = nil
	a.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

var _ device.Adapter = (*Adapter)(nil)
