//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
	"golang.org/x/sys/unix"
)

var errSocketClosed = errors.New("socket closed")

// connectPollInterval bounds each poll while waiting for a non-blocking connect,
// so context cancellation is observed promptly.
const connectPollInterval = 100 * time.Millisecond

// baseSocket holds the connected descriptor shared by both strategies.
type baseSocket struct {
	mu     sync.Mutex
	conn   *fdConn
	closed bool
}

func (b *baseSocket) attach(c *fdConn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = c.Close()
		return errSocketClosed
	}
	b.conn = c
	return nil
}

func (b *baseSocket) current() (*fdConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errSocketClosed
	}
	if b.conn == nil {
		return nil, device.ErrNotConnected
	}
	return b.conn, nil
}

func (b *baseSocket) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *baseSocket) Read(p []byte) (int, error) {
	c, err := b.current()
	if err != nil {
		return 0, err
	}
	return c.Read(p)
}

func (b *baseSocket) Write(p []byte) (int, error) {
	c, err := b.current()
	if err != nil {
		return 0, err
	}
	return c.Write(p)
}

func (b *baseSocket) Probe() error {
	c, err := b.current()
	if err != nil {
		return err
	}
	return c.Probe()
}

func (b *baseSocket) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	c := b.conn
	b.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// rfcommSocket dials a fixed RFCOMM channel directly.
type rfcommSocket struct {
	baseSocket
	address device.Address
	channel uint8
}

func newRFCOMMSocket(address device.Address, channel uint8) *rfcommSocket {
	return &rfcommSocket{address: address, channel: channel}
}

func (s *rfcommSocket) Connect(ctx context.Context) error {
	if s.isClosed() {
		return errSocketClosed
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return fmt.Errorf("create RFCOMM socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: s.address.BDAddr(), Channel: s.channel}
	if err := connectNonBlocking(ctx, fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("connect %s channel %d: %w", s.address, s.channel, err)
	}

	conn, err := newFDConn(fd, fmt.Sprintf("rfcomm:%s:%d", s.address, s.channel))
	if err != nil {
		return err
	}
	return s.attach(conn)
}

// connectNonBlocking starts a connect on a non-blocking socket and waits for it to
// complete, fail, or for ctx to end.
func connectNonBlocking(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EAGAIN) {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeout := connectPollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout < 0 {
			timeout = 0
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("getsockopt SO_ERROR: %w", err)
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

// profileSocket asks BlueZ to connect a service UUID on the device and receives the
// resulting RFCOMM descriptor through the registered Profile1 object.
type profileSocket struct {
	baseSocket
	adapter *Adapter
	address device.Address
	uuid    string
}

func (s *profileSocket) Connect(ctx context.Context) error {
	if s.isClosed() {
		return errSocketClosed
	}

	broker, err := s.adapter.profileBroker(s.uuid)
	if err != nil {
		return err
	}

	path := devicePath(s.adapter.path, s.address)
	pending, cancel := broker.expect(path)
	defer cancel()

	s.adapter.logger.WithFields(logrus.Fields{
		"address": s.address,
		"uuid":    s.uuid,
	}).Debug("Requesting profile connection...")

	obj := s.adapter.bus.Object(bluezService, path)
	if call := obj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, s.uuid); call.Err != nil {
		return fmt.Errorf("ConnectProfile: %w", device.NormalizeError(call.Err))
	}

	select {
	case <-ctx.Done():
		// BlueZ may still hand over a socket; the broker closes late deliveries
		_ = obj.Call(deviceIface+".DisconnectProfile", 0, s.uuid).Err
		return ctx.Err()
	case fd := <-pending:
		conn, err := newFDConn(fd, fmt.Sprintf("rfcomm:%s:%s", s.address, s.uuid))
		if err != nil {
			return err
		}
		return s.attach(conn)
	}
}

// profileBroker implements org.bluez.Profile1 for one registered client profile and
// routes each NewConnection to the connect waiting on that device path.
type profileBroker struct {
	path   dbus.ObjectPath
	uuid   string
	logger *logrus.Logger

	mu      sync.Mutex
	pending map[dbus.ObjectPath]chan int
}

func newProfileBroker(path dbus.ObjectPath, uuid string, logger *logrus.Logger) *profileBroker {
	return &profileBroker{
		path:    path,
		uuid:    uuid,
		logger:  logger,
		pending: make(map[dbus.ObjectPath]chan int),
	}
}

// expect registers interest in the next connection for dev. cancel must be called.
func (p *profileBroker) expect(dev dbus.ObjectPath) (<-chan int, func()) {
	ch := make(chan int, 1)

	p.mu.Lock()
	p.pending[dev] = ch
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		if p.pending[dev] == ch {
			delete(p.pending, dev)
		}
		p.mu.Unlock()

		// a socket delivered after the waiter gave up
		select {
		case fd := <-ch:
			_ = unix.Close(fd)
		default:
		}
	}
}

// Release is called by BlueZ when it unregisters the profile.
func (p *profileBroker) Release() *dbus.Error {
	p.logger.WithField("uuid", p.uuid).Debug("Profile released by BlueZ")
	return nil
}

// Cancel is called when a pending request is cancelled.
func (p *profileBroker) Cancel() *dbus.Error {
	return nil
}

// RequestDisconnection is called when BlueZ tears a profile connection down.
func (p *profileBroker) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.logger.WithField("device", dev).Debug("Profile disconnection requested")
	return nil
}

// NewConnection hands the socket to the connect waiting for dev, or closes it.
func (p *profileBroker) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.pending[dev]
	if ok {
		delete(p.pending, dev)
	}
	p.mu.Unlock()

	if !ok {
		_ = unix.Close(int(fd))
		p.logger.WithField("device", dev).Warn("Unexpected profile connection, rejecting")
		return dbus.NewError("org.bluez.Error.Rejected", []interface{}{"no pending connect"})
	}

	ch <- int(fd)
	return nil
}
