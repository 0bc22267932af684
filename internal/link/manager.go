package link

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
)

// Manager owns the registry, the connector and one read pump per connected device.
// It is the entry point the command dispatcher talks to.
type Manager struct {
	adapter   device.Adapter
	registry  *Registry
	connector *Connector
	logger    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	subscriber Subscriber
	pumps      map[uuid.UUID]*Pump
	closed     bool
}

// NewManager wires a registry and connector around adapter.
func NewManager(adapter device.Adapter, permissions PermissionChecker, opts *ConnectOptions, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		adapter: adapter,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pumps:   make(map[uuid.UUID]*Pump),
	}
	m.registry = NewRegistry(m.release)
	m.connector = NewConnector(adapter, permissions, m.registry, opts, logger)
	m.connector.onReplaced = m.release
	return m
}

// Subscribe sets the receiver of data and disconnect events. A nil subscriber drops events.
func (m *Manager) Subscribe(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriber = s
}

// Adapter returns the adapter the manager connects through
func (m *Manager) Adapter() device.Adapter {
	return m.adapter
}

// Registry exposes the connection table
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Connect establishes (or reuses) the link for address and makes sure its read pump is running.
func (m *Manager) Connect(ctx context.Context, address string) (*Link, error) {
	if m.isClosed() {
		return nil, device.NewError(device.ConnectionFailed, "connection manager is closed", nil)
	}

	l, err := m.connector.Connect(ctx, device.Address(address))
	if err != nil {
		return nil, err
	}

	m.startPump(l)
	return l, nil
}

// Disconnect closes the link for address, if any. Disconnecting an unknown device is not an error.
func (m *Manager) Disconnect(address string) error {
	addr, err := device.ParseAddress(address)
	if err != nil {
		return err
	}

	l := m.registry.Current(addr)
	if l == nil {
		m.logger.WithField("address", addr).Debug("Disconnect requested for unknown device")
		return nil
	}

	m.logger.WithFields(l.fields()).Info("Disconnecting device...")
	m.release(l)
	return nil
}

// Write sends data to the connected device. It fails with NotConnected, without any
// transport I/O, when no live link is registered for address.
func (m *Manager) Write(address string, data []byte) error {
	addr, err := device.ParseAddress(address)
	if err != nil {
		return err
	}

	l := m.registry.Lookup(addr)
	if l == nil {
		return device.NewError(device.NotConnected, "device is not connected", nil)
	}

	if err := l.Write(data); err != nil {
		if device.IsKind(err, device.Disconnected) {
			m.release(l)
		}
		return err
	}

	m.logger.WithFields(l.fields()).WithField("bytes", len(data)).Debug("Data written")
	return nil
}

// IsConnected reports whether a live link is registered for address, probing the transport.
func (m *Manager) IsConnected(address string) (bool, error) {
	addr, err := device.ParseAddress(address)
	if err != nil {
		return false, err
	}
	return m.registry.Lookup(addr) != nil, nil
}

// Links returns a snapshot of registered links
func (m *Manager) Links() []*Link {
	return m.registry.Links()
}

// Pump returns the running read pump for l, if any
func (m *Manager) Pump(l *Link) *Pump {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pumps[l.ID()]
}

// Close releases every link and waits for all read pumps to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	for _, l := range m.registry.Links() {
		m.release(l)
	}

	m.mu.Lock()
	pumps := make([]*Pump, 0, len(m.pumps))
	for _, p := range m.pumps {
		pumps = append(pumps, p)
	}
	m.mu.Unlock()

	for _, p := range pumps {
		<-p.Done()
	}
	m.logger.WithField("pumps", len(pumps)).Debug("Connection manager closed")
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) startPump(l *Link) {
	if !l.claimPump() {
		return
	}

	p := newPump(l, m.registry, m.dispatchData, m.release, m.logger)

	p.start(m.ctx)

	m.mu.Lock()
	m.pumps[l.ID()] = p
	m.mu.Unlock()

	go func() {
		<-p.Done()
		m.mu.Lock()
		delete(m.pumps, l.ID())
		m.mu.Unlock()
	}()
}

// release tears down l: close it, drop it from the registry if still registered,
// and emit the disconnect notification if no other path has done so for l.
func (m *Manager) release(l *Link) {
	l.Close()
	m.registry.RemoveIf(l.Address(), l)

	if !l.claimRelease() {
		return
	}

	m.logger.WithFields(l.fields()).Info("Device disconnected")

	m.mu.Lock()
	s := m.subscriber
	m.mu.Unlock()
	if s != nil {
		s.OnDisconnected(l.Address())
	}
}

func (m *Manager) dispatchData(address device.Address, data []byte) {
	m.mu.Lock()
	s := m.subscriber
	m.mu.Unlock()
	if s != nil {
		s.OnData(address, data)
	}
}
