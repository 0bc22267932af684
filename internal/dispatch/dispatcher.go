// Package dispatch routes host method calls to the connection manager and relays
// link events back to the host.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
	"github.com/srg/btspp/internal/link"
	"github.com/srg/btspp/internal/permission"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Outbound event names
const (
	EventDataReceived       = "onDataReceived"
	EventDeviceDisconnected = "onDeviceDisconnected"
)

// ConnectionHandle is the value connect returns; one logical channel per device.
const ConnectionHandle = 1

// DataEvent is the payload of onDataReceived
type DataEvent struct {
	Address string `json:"address"`
	Data    []byte `json:"data"`
}

// DisconnectEvent is the payload of onDeviceDisconnected
type DisconnectEvent struct {
	Address string `json:"address"`
}

// Emitter delivers outbound events to the host.
type Emitter interface {
	Emit(event string, payload interface{})
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(event string, payload interface{})

func (f EmitterFunc) Emit(event string, payload interface{}) {
	f(event, payload)
}

// Request is one resolved call handed to a handler
type Request struct {
	Method  string
	Address device.Address // set for methods that take an address
	Args    Args
}

// Handler implements one method
type Handler func(ctx context.Context, req *Request) (interface{}, error)

type method struct {
	handler   Handler
	gated     bool   // rejected up front when permissions are missing
	addressed bool   // requires a valid "address" argument, checked before the gate
	failCode  string // wire code for failures without a more specific mapping
}

// Dispatcher is the command surface consumed by host bridges.
type Dispatcher struct {
	manager *link.Manager
	adapter device.Adapter
	gate    *permission.Gate
	logger  *logrus.Logger

	methods *orderedmap.OrderedMap[string, method]

	mu      sync.RWMutex
	emitter Emitter
}

// New builds a dispatcher over manager and subscribes it to the manager's link events.
func New(manager *link.Manager, gate *permission.Gate, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if gate == nil {
		gate = permission.NewGate(nil, logger)
	}

	d := &Dispatcher{
		manager: manager,
		adapter: manager.Adapter(),
		gate:    gate,
		logger:  logger,
		methods: orderedmap.New[string, method](),
	}

	d.register("isAvailable", method{handler: d.isAvailable, failCode: CodeInternal})
	d.register("requestPermissions", method{handler: d.requestPermissions, failCode: CodeInternal})
	d.register("isEnabled", method{handler: d.isEnabled, gated: true, failCode: CodeInternal})
	d.register("getState", method{handler: d.getState, gated: true, failCode: CodeInternal})
	d.register("requestEnable", method{handler: d.requestEnable, gated: true, failCode: CodeInternal})
	d.register("getBondedDevices", method{handler: d.getBondedDevices, gated: true, failCode: CodeInternal})
	d.register("connect", method{handler: d.connect, gated: true, addressed: true, failCode: CodeConnectionFailed})
	d.register("disconnect", method{handler: d.disconnect, gated: true, addressed: true, failCode: CodeInternal})
	d.register("write", method{handler: d.write, gated: true, addressed: true, failCode: CodeWriteFailed})
	d.register("isConnected", method{handler: d.isConnected, gated: true, addressed: true, failCode: CodeInternal})

	manager.Subscribe(d)
	return d
}

func (d *Dispatcher) register(name string, m method) {
	d.methods.Set(name, m)
}

// SetEmitter replaces the event sink. A nil emitter drops events.
func (d *Dispatcher) SetEmitter(e Emitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitter = e
}

// Methods lists the supported method names in registration order
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, d.methods.Len())
	for pair := d.methods.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Call runs one method. Failures are always returned as *CallError.
func (d *Dispatcher) Call(ctx context.Context, name string, args Args) (interface{}, error) {
	logger := d.logger.WithField("method", name)

	m, ok := d.methods.Get(name)
	if !ok {
		logger.Debug("Unknown method")
		return nil, newCallError(CodeNotImplemented, fmt.Sprintf("method %q is not implemented", name))
	}

	req := &Request{Method: name, Args: args}
	if m.addressed {
		raw := args.String("address")
		if raw == "" {
			return nil, newCallError(CodeInvalidArgument, "Device address is required")
		}
		addr, err := device.ParseAddress(raw)
		if err != nil {
			return nil, toCallError(err, CodeInvalidArgument)
		}
		req.Address = addr
		logger = logger.WithField("address", addr)
	}

	if m.gated && !d.gate.HasPermissions() {
		logger.Debug("Rejected, permissions not granted")
		return nil, newCallError(CodePermissionDenied, "Bluetooth permissions not granted")
	}

	logger.Debug("Dispatching call")
	result, err := m.handler(ctx, req)
	if err != nil {
		callErr := toCallError(err, m.failCode)
		logger.WithFields(logrus.Fields{
			"code":  callErr.Code,
			"error": err,
		}).Debug("Call failed")
		return nil, callErr
	}
	return result, nil
}

// OnData relays inbound bytes as onDataReceived
func (d *Dispatcher) OnData(address device.Address, data []byte) {
	d.emit(EventDataReceived, DataEvent{Address: address.String(), Data: data})
}

// OnDisconnected relays a connection loss as onDeviceDisconnected
func (d *Dispatcher) OnDisconnected(address device.Address) {
	d.emit(EventDeviceDisconnected, DisconnectEvent{Address: address.String()})
}

func (d *Dispatcher) emit(event string, payload interface{}) {
	d.mu.RLock()
	e := d.emitter
	d.mu.RUnlock()

	if e == nil {
		d.logger.WithField("event", event).Debug("No emitter attached, dropping event")
		return
	}
	e.Emit(event, payload)
}

func (d *Dispatcher) isAvailable(context.Context, *Request) (interface{}, error) {
	return d.adapter.Available(), nil
}

func (d *Dispatcher) requestPermissions(ctx context.Context, _ *Request) (interface{}, error) {
	return d.gate.RequestPermissions(ctx)
}

func (d *Dispatcher) isEnabled(context.Context, *Request) (interface{}, error) {
	return d.adapter.Available() && d.adapter.Enabled(), nil
}

func (d *Dispatcher) getState(context.Context, *Request) (interface{}, error) {
	if !d.adapter.Available() {
		return int(device.StateOff), nil
	}
	return int(d.adapter.State()), nil
}

func (d *Dispatcher) requestEnable(ctx context.Context, _ *Request) (interface{}, error) {
	if !d.adapter.Available() {
		return false, nil
	}
	if d.adapter.Enabled() {
		return true, nil
	}

	if err := d.adapter.Enable(ctx); err != nil {
		if device.IsKind(err, device.PermissionDenied) {
			return nil, err
		}
		d.logger.WithError(err).Warn("Failed to enable adapter")
		return false, nil
	}
	return true, nil
}

func (d *Dispatcher) getBondedDevices(ctx context.Context, _ *Request) (interface{}, error) {
	devices := make([]device.BondedDevice, 0)
	if !d.adapter.Available() {
		return devices, nil
	}

	bonded, err := d.adapter.BondedDevices(ctx)
	if err != nil {
		if device.IsKind(err, device.PermissionDenied) {
			return nil, err
		}
		d.logger.WithError(err).Warn("Failed to enumerate bonded devices")
		return devices, nil
	}
	return append(devices, bonded...), nil
}

func (d *Dispatcher) connect(ctx context.Context, req *Request) (interface{}, error) {
	if _, err := d.manager.Connect(ctx, req.Address.String()); err != nil {
		return nil, err
	}
	return ConnectionHandle, nil
}

func (d *Dispatcher) disconnect(_ context.Context, req *Request) (interface{}, error) {
	if err := d.manager.Disconnect(req.Address.String()); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) write(_ context.Context, req *Request) (interface{}, error) {
	data, err := req.Args.Bytes("data")
	if err != nil {
		return nil, newCallError(CodeInvalidArgument, err.Error())
	}
	if len(data) == 0 {
		return nil, newCallError(CodeInvalidArgument, "Data cannot be empty")
	}

	if err := d.manager.Write(req.Address.String(), data); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) isConnected(_ context.Context, req *Request) (interface{}, error) {
	return d.manager.IsConnected(req.Address.String())
}

var _ link.Subscriber = (*Dispatcher)(nil)
