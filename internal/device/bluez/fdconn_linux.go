//go:build linux

package bluez

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// fdConn wraps a connected RFCOMM socket. The descriptor is switched to non-blocking
// mode before os.NewFile so reads go through the runtime poller and Close interrupts them.
type fdConn struct {
	file *os.File
	raw  syscall.RawConn
}

func newFDConn(fd int, name string) (*fdConn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	file := os.NewFile(uintptr(fd), name)
	if file == nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("invalid socket descriptor %d", fd)
	}

	raw, err := file.SyscallConn()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("syscall conn: %w", err)
	}

	return &fdConn{file: file, raw: raw}, nil
}

func (c *fdConn) Read(p []byte) (int, error) {
	return c.file.Read(p)
}

func (c *fdConn) Write(p []byte) (int, error) {
	return c.file.Write(p)
}

func (c *fdConn) Close() error {
	return c.file.Close()
}

// Probe polls the socket with a zero timeout and checks SO_ERROR.
// It never reads, so pending inbound bytes stay queued for the data path.
func (c *fdConn) Probe() error {
	var probeErr error
	err := c.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, 0)
		if err != nil && !errors.Is(err, unix.EINTR) {
			probeErr = fmt.Errorf("poll: %w", err)
			return
		}
		if n > 0 && fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			probeErr = fmt.Errorf("socket hung up (revents=%#x)", fds[0].Revents)
			return
		}

		soErr, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			probeErr = fmt.Errorf("getsockopt SO_ERROR: %w", err)
			return
		}
		if soErr != 0 {
			probeErr = syscall.Errno(soErr)
		}
	})
	if err != nil {
		return err
	}
	return probeErr
}
