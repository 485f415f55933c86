//go:build linux

package internal

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// DialOptions tunes the socket created by Dial.
type DialOptions struct {
	Timeout      time.Duration
	TCPNoDelay   bool
	KeepAliveSec int
}

// FdSocket is a raw non-blocking TCP socket.
type FdSocket struct {
	fd     int
	addr   string
	closed bool
}

// NewFdSocket wraps an already connected descriptor and switches it to
// non-blocking mode.
func NewFdSocket(fd int, addr string) (*FdSocket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock on %s: %w", addr, err)
	}
	return &FdSocket{fd: fd, addr: addr}, nil
}

// Dial resolves addr and connects a TCP socket to it. Dial blocks for at
// most opts.Timeout; the returned socket is non-blocking.
func Dial(addr string, opts DialOptions) (*FdSocket, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	family, sa := sockaddr(tcpAddr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket for %s: %w", addr, err)
	}
	if err := connect(fd, sa, opts.Timeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if opts.TCPNoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set TCP_NODELAY for %s: %w", addr, err)
		}
	}
	if opts.KeepAliveSec > 0 {
		if err := setKeepAlive(fd, opts.KeepAliveSec); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set keepalive for %s: %w", addr, err)
		}
	}

	s, err := NewFdSocket(fd, tcpAddr.String())
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// connect starts a non-blocking connect on fd and waits up to timeout for
// it to finish. A zero timeout waits indefinitely.
func connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(fd, sa)
	switch {
	case err == nil, errors.Is(err, unix.EISCONN):
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY), errors.Is(err, unix.EINTR):
	default:
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		wait := -1
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return unix.ETIMEDOUT
			}
			wait = int((left + time.Millisecond - 1) / time.Millisecond)
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, wait)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

func setKeepAlive(fd int, sec int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, sec); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, sec)
}

func (s *FdSocket) Fd() int {
	return s.fd
}

func (s *FdSocket) String() string {
	return s.addr
}

func (s *FdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, mapErrno(err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *FdSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, mapErrno(err)
	}
	return n, nil
}

func (s *FdSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func mapErrno(err error) error {
	switch {
	case errors.Is(err, unix.EAGAIN):
		return ErrWouldBlock
	case errors.Is(err, unix.EINTR):
		return ErrInterrupted
	default:
		return err
	}
}
