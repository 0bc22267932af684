package testutils

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/btspp/internal/device"
)

// FakeSocket is an in-memory device.Socket backed by net.Pipe.
// The test drives the remote side through Peer().
type FakeSocket struct {
	address device.Address
	spec    device.ChannelSpec

	local net.Conn
	peer  net.Conn

	connectErr   error
	connectDelay time.Duration

	connected  atomic.Bool
	closed     atomic.Bool
	peerClosed atomic.Bool
	probeErr   atomic.Pointer[error]

	Reads      atomic.Int32
	Writes     atomic.Int32
	Probes     atomic.Int32
	CloseCalls atomic.Int32
}

func newFakeSocket(address device.Address, spec device.ChannelSpec, connectErr error, connectDelay time.Duration) *FakeSocket {
	local, peer := net.Pipe()
	return &FakeSocket{
		address:      address,
		spec:         spec,
		local:        local,
		peer:         peer,
		connectErr:   connectErr,
		connectDelay: connectDelay,
	}
}

// Address returns the address the socket was created for
func (s *FakeSocket) Address() device.Address {
	return s.address
}

// Spec returns the strategy the socket was created with
func (s *FakeSocket) Spec() device.ChannelSpec {
	return s.spec
}

// Peer returns the remote end of the pipe
func (s *FakeSocket) Peer() net.Conn {
	return s.peer
}

// ClosePeer simulates the remote device dropping the link
func (s *FakeSocket) ClosePeer() {
	s.peerClosed.Store(true)
	_ = s.peer.Close()
}

// FailProbe makes subsequent probes fail with err (nil restores success)
func (s *FakeSocket) FailProbe(err error) {
	if err == nil {
		s.probeErr.Store(nil)
		return
	}
	s.probeErr.Store(&err)
}

// IsConnected reports whether the handshake succeeded
func (s *FakeSocket) IsConnected() bool {
	return s.connected.Load()
}

// IsClosed reports whether Close was called
func (s *FakeSocket) IsClosed() bool {
	return s.closed.Load()
}

func (s *FakeSocket) Connect(ctx context.Context) error {
	if s.connectDelay > 0 {
		select {
		case <-time.After(s.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected.Store(true)
	return nil
}

func (s *FakeSocket) Read(p []byte) (int, error) {
	s.Reads.Add(1)
	n, err := s.local.Read(p)
	if errors.Is(err, io.ErrClosedPipe) && s.peerClosed.Load() {
		return n, io.EOF
	}
	return n, err
}

func (s *FakeSocket) Write(p []byte) (int, error) {
	s.Writes.Add(1)
	return s.local.Write(p)
}

func (s *FakeSocket) Probe() error {
	s.Probes.Add(1)
	if errPtr := s.probeErr.Load(); errPtr != nil {
		return *errPtr
	}
	if s.closed.Load() {
		return errors.New("socket closed")
	}
	if s.peerClosed.Load() {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (s *FakeSocket) Close() error {
	s.CloseCalls.Add(1)
	s.closed.Store(true)
	return s.local.Close()
}

// FakeAdapter is a scriptable device.Adapter for tests.
type FakeAdapter struct {
	mu sync.Mutex

	available bool
	enabled   bool
	state     device.AdapterState
	bonded    []device.BondedDevice

	enableErr    error
	bondedErr    error
	newSocketErr error
	connectErrs  map[device.Strategy]error
	connectDelay map[device.Strategy]time.Duration

	sockets []*FakeSocket

	CancelDiscoveryCalls atomic.Int32
	EnableCalls          atomic.Int32
	Closed               atomic.Bool
}

// NewFakeAdapter creates an available, powered-on adapter whose handshakes succeed.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		available:    true,
		enabled:      true,
		state:        device.StateOn,
		connectErrs:  make(map[device.Strategy]error),
		connectDelay: make(map[device.Strategy]time.Duration),
	}
}

// WithAvailable sets whether the adapter exists
func (a *FakeAdapter) WithAvailable(available bool) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.available = available
	return a
}

// WithEnabled sets the power state; the reported state code follows.
func (a *FakeAdapter) WithEnabled(enabled bool) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
	if enabled {
		a.state = device.StateOn
	} else {
		a.state = device.StateOff
	}
	return a
}

// WithEnableError makes Enable fail
func (a *FakeAdapter) WithEnableError(err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableErr = err
	return a
}

// WithBondedDevices sets the devices BondedDevices reports
func (a *FakeAdapter) WithBondedDevices(devices ...device.BondedDevice) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bonded = devices
	return a
}

// WithBondedError makes BondedDevices fail
func (a *FakeAdapter) WithBondedError(err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bondedErr = err
	return a
}

// WithNewSocketError makes socket creation fail for every strategy
func (a *FakeAdapter) WithNewSocketError(err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newSocketErr = err
	return a
}

// WithConnectError makes handshakes using strategy fail with err
func (a *FakeAdapter) WithConnectError(strategy device.Strategy, err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErrs[strategy] = err
	return a
}

// WithConnectDelay delays handshakes using strategy
func (a *FakeAdapter) WithConnectDelay(strategy device.Strategy, d time.Duration) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectDelay[strategy] = d
	return a
}

// Sockets returns every socket created so far, in creation order
func (a *FakeAdapter) Sockets() []*FakeSocket {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*FakeSocket, len(a.sockets))
	copy(out, a.sockets)
	return out
}

// LastSocket returns the most recently created socket, or nil
func (a *FakeAdapter) LastSocket() *FakeSocket {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sockets) == 0 {
		return nil
	}
	return a.sockets[len(a.sockets)-1]
}

// ConnectedSockets returns the sockets whose handshake succeeded
func (a *FakeAdapter) ConnectedSockets() []*FakeSocket {
	var out []*FakeSocket
	for _, s := range a.Sockets() {
		if s.IsConnected() {
			out = append(out, s)
		}
	}
	return out
}

func (a *FakeAdapter) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

func (a *FakeAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available && a.enabled
}

func (a *FakeAdapter) State() device.AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.available {
		return device.StateOff
	}
	return a.state
}

func (a *FakeAdapter) Enable(ctx context.Context) error {
	a.EnableCalls.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enableErr != nil {
		return a.enableErr
	}
	a.enabled = true
	a.state = device.StateOn
	return nil
}

func (a *FakeAdapter) BondedDevices(ctx context.Context) ([]device.BondedDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bondedErr != nil {
		return nil, a.bondedErr
	}
	out := make([]device.BondedDevice, len(a.bonded))
	copy(out, a.bonded)
	return out, nil
}

func (a *FakeAdapter) CancelDiscovery(ctx context.Context) error {
	a.CancelDiscoveryCalls.Add(1)
	return nil
}

func (a *FakeAdapter) NewSocket(addr device.Address, spec device.ChannelSpec) (device.Socket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.newSocketErr != nil {
		return nil, a.newSocketErr
	}
	s := newFakeSocket(addr, spec, a.connectErrs[spec.Strategy], a.connectDelay[spec.Strategy])
	a.sockets = append(a.sockets, s)
	return s, nil
}

func (a *FakeAdapter) Close() error {
	a.Closed.Store(true)
	return nil
}

// RecordingSubscriber collects data and disconnect events from read pumps.
type RecordingSubscriber struct {
	mu           sync.Mutex
	data         map[device.Address][]byte
	disconnected []device.Address

	dataCh chan struct{}
	discCh chan device.Address
}

// NewRecordingSubscriber creates an empty recorder
func NewRecordingSubscriber() *RecordingSubscriber {
	return &RecordingSubscriber{
		data:   make(map[device.Address][]byte),
		dataCh: make(chan struct{}, 1024),
		discCh: make(chan device.Address, 64),
	}
}

func (r *RecordingSubscriber) OnData(address device.Address, data []byte) {
	r.mu.Lock()
	r.data[address] = append(r.data[address], data...)
	r.mu.Unlock()
	select {
	case r.dataCh <- struct{}{}:
	default:
	}
}

func (r *RecordingSubscriber) OnDisconnected(address device.Address) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, address)
	r.mu.Unlock()
	select {
	case r.discCh <- address:
	default:
	}
}

// Data returns every byte received for address so far
func (r *RecordingSubscriber) Data(address device.Address) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data[address]...)
}

// Disconnected returns the disconnect notifications in arrival order
func (r *RecordingSubscriber) Disconnected() []device.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Address(nil), r.disconnected...)
}

// WaitDisconnected blocks until one disconnect notification arrives or timeout elapses.
func (r *RecordingSubscriber) WaitDisconnected(timeout time.Duration) (device.Address, bool) {
	select {
	case addr := <-r.discCh:
		return addr, true
	case <-time.After(timeout):
		return "", false
	}
}
