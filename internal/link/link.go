package link

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
)

// DefaultReadBufferSize is the largest chunk a single Read returns.
const DefaultReadBufferSize = 1024

// Link is one established transport session to one device (the link handle).
//
// A Link is never resurrected: once it goes not-alive it stays that way, and a new
// connect always produces a new Link. Read and Write may run concurrently with each other.
type Link struct {
	id       uuid.UUID
	address  device.Address
	strategy device.Strategy
	socket   device.Socket
	logger   *logrus.Logger

	alive     atomic.Bool
	closeOnce sync.Once
	// released guards the single disconnect notification for this session.
	released atomic.Bool
	pumping  atomic.Bool

	readMu   sync.Mutex
	readBuf  []byte
	writeMu  sync.Mutex
	openedAt time.Time
}

func newLink(address device.Address, strategy device.Strategy, socket device.Socket, readBufferSize int, logger *logrus.Logger) *Link {
	if readBufferSize <= 0 {
		readBufferSize = DefaultReadBufferSize
	}
	if logger == nil {
		logger = logrus.New()
	}

	l := &Link{
		id:       uuid.New(),
		address:  address,
		strategy: strategy,
		socket:   socket,
		logger:   logger,
		readBuf:  make([]byte, readBufferSize),
		openedAt: time.Now(),
	}
	l.alive.Store(true)
	return l
}

// ID returns the session identifier, unique per Link instance.
func (l *Link) ID() uuid.UUID {
	return l.id
}

// Address returns the identity of the remote device. Immutable.
func (l *Link) Address() device.Address {
	return l.address
}

// Strategy returns the strategy whose handshake produced this session.
func (l *Link) Strategy() device.Strategy {
	return l.strategy
}

// OpenedAt returns the time the handshake completed.
func (l *Link) OpenedAt() time.Time {
	return l.openedAt
}

// Read blocks until at least one byte is available, the stream ends, or an I/O error occurs.
// It never returns an empty successful result: end-of-stream and I/O errors mark the link
// not-alive and return a Disconnected error.
func (l *Link) Read() ([]byte, error) {
	if !l.alive.Load() {
		return nil, device.NewError(device.Disconnected, "link is closed", nil)
	}

	l.readMu.Lock()
	defer l.readMu.Unlock()

	for {
		n, err := l.socket.Read(l.readBuf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, l.readBuf[:n])
			if err != nil && err != io.EOF {
				l.logger.WithFields(l.fields()).WithError(err).Debug("Read returned data with error, reporting data first")
			}
			return data, nil
		}
		if err == nil {
			// zero-length read without error: keep blocking
			continue
		}

		l.markDead()
		if err == io.EOF {
			return nil, device.NewError(device.Disconnected, "end of stream reached", err)
		}
		return nil, device.NewError(device.Disconnected, fmt.Sprintf("read failed: %v", err), err)
	}
}

// Write blocks until all bytes are flushed or the transport fails.
// A write to a not-alive link fails with NotConnected without touching the transport.
func (l *Link) Write(data []byte) error {
	if !l.alive.Load() {
		return device.NewError(device.NotConnected, "device is not connected", nil)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for len(data) > 0 {
		n, err := l.socket.Write(data)
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			l.markDead()
			return device.NewError(device.Disconnected, fmt.Sprintf("write failed: %v", err), err)
		}
		data = data[n:]
	}

	return nil
}

// IsAlive confirms liveness with the transport instead of trusting the cached flag.
// A failed probe downgrades the link to not-alive permanently.
func (l *Link) IsAlive() bool {
	if !l.alive.Load() {
		return false
	}

	if err := l.socket.Probe(); err != nil {
		if l.markDead() {
			l.logger.WithFields(l.fields()).WithError(err).Debug("Liveness probe failed, link marked not alive")
		}
		return false
	}
	return true
}

// Close is idempotent. It marks the link not-alive and releases the socket, which
// interrupts a Read blocked in another goroutine. Release errors are logged, never returned.
func (l *Link) Close() {
	l.alive.Store(false)
	l.closeOnce.Do(func() {
		if err := l.socket.Close(); err != nil {
			l.logger.WithFields(l.fields()).WithError(err).Warn("Error closing link socket")
			return
		}
		l.logger.WithFields(l.fields()).Debug("Link socket released")
	})
}

// markDead flips alive to false; it reports whether this call made the transition.
func (l *Link) markDead() bool {
	return l.alive.CompareAndSwap(true, false)
}

// claimPump reports true exactly once per Link; the caller starts the read pump.
func (l *Link) claimPump() bool {
	return l.pumping.CompareAndSwap(false, true)
}

// claimRelease reports true exactly once per Link; the caller owns the disconnect notification.
func (l *Link) claimRelease() bool {
	return l.released.CompareAndSwap(false, true)
}

func (l *Link) fields() logrus.Fields {
	return logrus.Fields{
		"address":  l.address,
		"link_id":  l.id.String(),
		"strategy": l.strategy.String(),
	}
}

func (l *Link) String() string {
	return fmt.Sprintf("link{%s %s %s}", l.address, l.strategy, l.id)
}
