// Package ptyio exposes a byte stream as a local pseudo-terminal so that legacy
// serial tools (minicom, screen, pyserial) can talk to a remote RFCOMM device as if it
// were /dev/rfcommN.
//
// Bytes written to the Port are queued in a ring and delivered to the slave side by a
// background loop; bytes the slave side writes are handed to the read callback. Neither
// direction ever blocks the caller. When a ring overflows the excess is dropped and
// counted in Stats.
//
//	port, err := ptyio.Open(&ptyio.Options{Symlink: "/tmp/rfcomm-hc05", Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer port.Close()
//	port.SetReadCallback(func(data []byte) { _ = manager.Write(addr, data) })
//	_, _ = port.Write(inbound)
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/btspp/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultBufferSize   = 4096
	DefaultPollInterval = 50 * time.Millisecond

	closeTimeout = 5 * time.Second
)

// ReadCallback receives bytes written by the slave side. It runs on a background
// goroutine and must not retain data.
type ReadCallback func(data []byte)

type Options struct {
	ReadCap  int // bytes buffered from the slave before the callback drains them
	WriteCap int // bytes buffered towards the slave
	// PollInterval bounds how long the loops wait before rechecking for shutdown.
	PollInterval time.Duration
	// Symlink, when set, is created pointing at the slave device and removed on Close.
	Symlink string
	Logger  *logrus.Logger
	// OnError is called at most once per loop when a loop exits on an unexpected error.
	OnError func(err error)
}

// Stats are instantaneous counters for monitoring backpressure.
type Stats struct {
	WriteQueued  int
	ReadQueued   int
	DroppedWrite uint64
	DroppedRead  uint64
	BytesRead    uint64 // from the slave
	BytesWritten uint64 // to the slave
}

// Port is a pty pair with the master driven by background loops.
type Port struct {
	logger   *logrus.Logger
	master   *os.File
	fd       int      // master fd; File.Fd would reset it to blocking mode
	slave    *os.File // held open so the slave never reports hangup between clients
	name     string
	symlink  string
	onError  func(error)
	interval time.Duration

	writeBuf    *ringbuffer.RingBuffer
	readBuf     *ringbuffer.RingBuffer
	writeNotify chan struct{}
	readNotify  chan struct{}
	readCb      atomic.Value // ReadCallback

	ctx    context.Context
	cancel context.CancelFunc
	tasks  []*groutine.Task

	readErrOnce  sync.Once
	writeErrOnce sync.Once
	closed       atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Open creates the pty pair, switches the slave to raw mode and starts the I/O loops.
func Open(opts *Options) (*Port, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.ReadCap <= 0 {
		o.ReadCap = DefaultBufferSize
	}
	if o.WriteCap <= 0 {
		o.WriteCap = DefaultBufferSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}

	master, fd, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		logger:      o.Logger,
		master:      master,
		fd:          fd,
		slave:       slave,
		name:        slave.Name(),
		onError:     o.OnError,
		interval:    o.PollInterval,
		writeBuf:    ringbuffer.New(o.WriteCap),
		readBuf:     ringbuffer.New(o.ReadCap),
		writeNotify: make(chan struct{}, 1),
		readNotify:  make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}

	if o.Symlink != "" {
		if err := p.link(o.Symlink); err != nil {
			cancel()
			_ = master.Close()
			_ = slave.Close()
			return nil, err
		}
	}

	p.tasks = []*groutine.Task{
		groutine.Go(ctx, "pty-read-loop", p.logger, p.readLoop),
		groutine.Go(ctx, "pty-write-loop", p.logger, p.writeLoop),
		groutine.Go(ctx, "pty-dispatch", p.logger, p.dispatchLoop),
	}

	p.logger.WithField("tty", p.name).Debug("PTY opened")
	return p, nil
}

func openRaw() (*os.File, int, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, -1, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(step string, err error) (*os.File, int, *os.File, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, -1, nil, fmt.Errorf("failed to %s for %s: %w", step, slave.Name(), err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode", err)
	}
	fd := int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return fail("set nonblocking mode", err)
	}
	return master, fd, slave, nil
}

// link replaces a stale symlink but refuses to clobber anything else.
func (p *Port) link(path string) error {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("refusing to replace %s: not a symlink", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale link %s: %w", path, err)
		}
	}
	if err := os.Symlink(p.name, path); err != nil {
		return fmt.Errorf("failed to link %s -> %s: %w", path, p.name, err)
	}
	p.symlink = path
	return nil
}

// Name is the slave device path, e.g. /dev/pts/5
func (p *Port) Name() string {
	return p.name
}

// Symlink is the link created by Open, or "".
func (p *Port) Symlink() string {
	return p.symlink
}

// Write queues data for the slave side and never blocks. It returns the number of
// bytes queued, which is less than len(data) when the ring is full.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !isOverflow(err) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		p.droppedWrite.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"tty":     p.name,
			"dropped": dropped,
		}).Warn("PTY write buffer overflow")
	}

	if n > 0 {
		notify(p.writeNotify)
	}
	return n, nil
}

// SetReadCallback installs cb, or removes the callback when cb is nil. Data already
// buffered is delivered to a newly installed callback.
func (p *Port) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	p.readCb.Store(cb)
	notify(p.readNotify)
}

func (p *Port) Stats() Stats {
	return Stats{
		WriteQueued:  p.writeBuf.Length(),
		ReadQueued:   p.readBuf.Length(),
		DroppedWrite: p.droppedWrite.Load(),
		DroppedRead:  p.droppedRead.Load(),
		BytesRead:    p.bytesRead.Load(),
		BytesWritten: p.bytesWritten.Load(),
	}
}

// Close stops the loops, closes both ends and removes the symlink. Safe to call twice.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}
	if p.symlink != "" {
		if err := os.Remove(p.symlink); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove link: %w", err))
		}
	}

	deadline := time.After(closeTimeout)
	for _, t := range p.tasks {
		select {
		case <-t.Done():
		case <-deadline:
			p.logger.WithFields(logrus.Fields{
				"tty":       p.name,
				"goroutine": t.Name(),
			}).Error("PTY loop did not exit in time")
		}
	}

	p.logger.WithField("tty", p.name).Debug("PTY closed")
	return errors.Join(errs...)
}

func (p *Port) fail(once *sync.Once, loop string, err error) {
	p.logger.WithError(err).WithField("tty", p.name).Warnf("PTY %s loop exiting", loop)
	if p.onError != nil {
		once.Do(func() {
			p.onError(fmt.Errorf("pty %s loop: %w", loop, err))
		})
	}
}

func (p *Port) readLoop(ctx context.Context) {
	master := p.master
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)
	timeout := int(p.interval / time.Millisecond)

	for ctx.Err() == nil {
		ready, err := unix.Poll(fds, timeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			if ctx.Err() != nil {
				return
			}
			p.fail(&p.readErrOnce, "read", err)
			return
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			p.bytesRead.Add(uint64(n))
			queued, werr := p.readBuf.Write(buf[:n])
			if werr != nil && !isOverflow(werr) {
				p.logger.WithError(werr).Warn("PTY read buffer write failed")
			}
			if queued < n {
				p.droppedRead.Add(uint64(n - queued))
				p.logger.WithFields(logrus.Fields{
					"tty":     p.name,
					"dropped": n - queued,
				}).Warn("PTY read buffer overflow")
			}
			if queued > 0 {
				notify(p.readNotify)
			}
		}

		switch {
		case err == nil, isRetryable(err):
		case ctx.Err() != nil, errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		default:
			p.fail(&p.readErrOnce, "read", err)
			return
		}
	}
}

func (p *Port) writeLoop(ctx context.Context) {
	master := p.master
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)
	timeout := int(p.interval / time.Millisecond)

	for {
		if p.writeBuf.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.writeNotify:
			}
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("PTY write buffer read failed")
			continue
		}

		for off := 0; off < n; {
			written, err := master.Write(buf[off:n])
			if written > 0 {
				off += written
				p.bytesWritten.Add(uint64(written))
			}

			switch {
			case err == nil:
			case isRetryable(err):
				if ctx.Err() != nil {
					return
				}
				// slave input queue is full until someone reads it
				_, _ = unix.Poll(fds, timeout)
			case ctx.Err() != nil, errors.Is(err, os.ErrClosed):
				return
			default:
				p.fail(&p.writeErrOnce, "write", err)
				return
			}
		}
	}
}

func (p *Port) dispatchLoop(ctx context.Context) {
	tmp := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.readNotify:
		}

		for ctx.Err() == nil {
			cb, _ := p.readCb.Load().(ReadCallback)
			if cb == nil {
				break
			}

			n, _ := p.readBuf.TryRead(tmp)
			if n == 0 {
				break
			}
			if !p.deliver(cb, tmp[:n]) {
				break
			}
		}
	}
}

// deliver runs cb and unregisters it if it panics.
func (p *Port) deliver(cb ReadCallback, data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			p.readCb.Store(ReadCallback(nil))
			p.fail(&p.readErrOnce, "dispatch", fmt.Errorf("read callback panicked: %v", r))
		}
	}()
	cb(data)
	return true
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func isOverflow(err error) bool {
	return errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)
}

func isRetryable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR)
}
