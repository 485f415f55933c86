//go:build linux

package internal

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestDialConnectsNonBlockingSocket(t *testing.T) {
	ln := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	s, err := Dial(ln.Addr().String(), DialOptions{Timeout: time.Second, TCPNoDelay: true, KeepAliveSec: 30})
	require.NoError(t, err)
	defer s.Close()

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}
	defer peer.Close()

	buf := make([]byte, 16)
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	n, err := s.Write([]byte("+PING\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	got := make([]byte, 7)
	_, err = io.ReadFull(peer, got)
	require.NoError(t, err)
	assert.Equal(t, "+PING\r\n", string(got))

	require.NoError(t, peer.Close())
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err = s.Read(buf)
		if !errors.Is(err, ErrWouldBlock) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestDialRefused(t *testing.T) {
	ln := listen(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err := Dial(addr, DialOptions{Timeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.ECONNREFUSED)
}

func TestConnectResumesAfterEarlierAttempt(t *testing.T) {
	ln := listen(t)
	tcpAddr := ln.Addr().(*net.TCPAddr)
	family, sa := sockaddr(tcpAddr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	require.NoError(t, err)
	defer unix.Close(fd)

	// the first attempt is left in flight, as after an interrupted connect
	_ = unix.Connect(fd, sa)
	assert.NoError(t, connect(fd, sa, time.Second))
	assert.NoError(t, connect(fd, sa, time.Second))
}
