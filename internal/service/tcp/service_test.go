package tcp

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/otterscale/portforwarder/internal/arena"
	"github.com/otterscale/portforwarder/internal/reactor"
	"github.com/otterscale/portforwarder/internal/selector"
	"github.com/otterscale/portforwarder/internal/service"
)

// echoListener starts a plain net.Listener that echoes back everything
// it reads, standing in for the "real" upstream target.
func echoListener(t *testing.T) *net.TCPListener {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func newTestService(t *testing.T) (*Service, *reactor.Reactor, int) {
	t.Helper()

	target := echoListener(t)
	targetAddr := target.Addr().(*net.TCPAddr)

	a, err := arena.New(1 << 20)
	require.NoError(t, err)

	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	sel, err := selector.New([]net.Addr{targetAddr})
	require.NoError(t, err)

	timeouts := service.Timeouts{
		Connect:     2 * time.Second,
		Established: 2 * time.Second,
		Broken:      2 * time.Second,
	}

	svc, err := New("test", net.IPv4(127, 0, 0, 1), 0, r, a, sel, timeouts, 0)
	require.NoError(t, err)

	sa, err := unix.Getsockname(svc.listenFD)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	return svc, r, port
}

func TestTCPForwardsDataEndToEnd(t *testing.T) {
	_, r, port := newTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go r.Run(ctx)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello, forwarder"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello, forwarder", string(buf[:n]))
}

func TestTCPConnectFailureRejectsClient(t *testing.T) {
	a, err := arena.New(1 << 20)
	require.NoError(t, err)
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	// Port 1 on loopback: nothing listens there, so the north dial
	// will either fail synchronously or the connect will error out.
	sel, err := selector.New([]net.Addr{&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}})
	require.NoError(t, err)

	timeouts := service.Timeouts{Connect: 300 * time.Millisecond, Established: time.Second, Broken: time.Second}
	svc, err := New("test", net.IPv4(127, 0, 0, 1), 0, r, a, sel, timeouts, 0)
	require.NoError(t, err)

	sa, err := unix.Getsockname(svc.listenFD)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	require.Error(t, err) // connection torn down once the north side fails or times out
}
