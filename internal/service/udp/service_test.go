package udp

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

// echoUDPServer starts a plain UDP listener that echoes every datagram
// back to its sender, standing in for the real upstream target.
func echoUDPServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if _, err := conn.WriteToUDP(buf[:n], addr); err != nil {
				return
			}
		}
	}()
	return conn
}

func newTestService(t *testing.T) (*Service, *reactor.Reactor, int) {
	t.Helper()

	target := echoUDPServer(t)
	targetAddr := target.LocalAddr().(*net.UDPAddr)

	a, err := arena.New(1 << 20)
	require.NoError(t, err)

	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	sel, err := selector.New([]net.Addr{targetAddr})
	require.NoError(t, err)

	timeouts := service.Timeouts{UDP: 2 * time.Second, Broken: time.Second}

	svc, err := New("test", net.IPv4(127, 0, 0, 1), 0, r, a, sel, timeouts, 0)
	require.NoError(t, err)

	sa, err := unix.Getsockname(svc.south.FD)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	return svc, r, port
}

func TestUDPPingPongEndToEnd(t *testing.T) {
	_, r, port := newTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go r.Run(ctx)

	client, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestUDPSecondDatagramReusesExistingTunnel(t *testing.T) {
	svc, r, port := newTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go r.Run(ctx)

	client, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer client.Close()

	buf := make([]byte, 16)
	for i := 0; i < 2; i++ {
		_, err = client.Write([]byte("ping"))
		require.NoError(t, err)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := client.Read(buf)
		require.NoError(t, err)
	}

	require.Len(t, svc.bySource, 1)
}
