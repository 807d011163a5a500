package resolver

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTCPReturnsTCPAddrs(t *testing.T) {
	addrs, err := Resolve(context.Background(), "tcp", "127.0.0.1", 8080)
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	tcpAddr, ok := addrs[0].(*net.TCPAddr)
	require.True(t, ok)
	assert.Equal(t, 8080, tcpAddr.Port)
	assert.Equal(t, "127.0.0.1", tcpAddr.IP.String())
}

func TestResolveUDPReturnsUDPAddrs(t *testing.T) {
	addrs, err := Resolve(context.Background(), "udp", "127.0.0.1", 53)
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	udpAddr, ok := addrs[0].(*net.UDPAddr)
	require.True(t, ok)
	assert.Equal(t, 53, udpAddr.Port)
}

func TestResolveFailsOnUnresolvableHost(t *testing.T) {
	_, err := Resolve(context.Background(), "tcp", "this-host-does-not-exist.invalid", 80)
	assert.Error(t, err)
}
