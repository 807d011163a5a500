// Package netutil wraps the raw, non-blocking socket syscalls the
// reactor needs directly: golang.org/x/sys/unix rather than net.Conn,
// because every socket here is registered with epoll by file
// descriptor and driven by readiness events, not by blocking
// goroutines. This mirrors how the wider example pack reaches for
// golang.org/x/sys/unix whenever it needs raw, non-blocking socket
// control (e.g. jroosing-HydraDNS's SO_REUSEPORT listeners).
package netutil

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock wraps EAGAIN/EWOULDBLOCK so callers can match it with
// errors.Is without depending on unix directly.
var ErrWouldBlock = errors.New("netutil: operation would block")

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Close closes fd, ignoring EINTR/EBADF races with a concurrent close
// that is not possible here since the reactor is single-threaded.
func Close(fd int) error {
	return unix.Close(fd)
}

// sockaddrAndFamily builds the unix.Sockaddr and socket family for an
// IP/port pair, choosing AF_INET or AF_INET6 based on the address
// shape.
func sockaddrAndFamily(ip net.IP, port int) (unix.Sockaddr, int, error) {
	if ip4 := ip.To4(); ip4 != nil {
		var a [4]byte
		copy(a[:], ip4)
		return &unix.SockaddrInet4{Port: port, Addr: a}, unix.AF_INET, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		var a [16]byte
		copy(a[:], ip16)
		return &unix.SockaddrInet6{Port: port, Addr: a}, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("netutil: invalid IP %v", ip)
}

// UDPAddrFromSockaddr converts a raw sockaddr (as returned by Accept
// or Recvfrom) into a *net.UDPAddr, for use as a PacketBlock
// destination label.
func UDPAddrFromSockaddr(sa unix.Sockaddr) *net.UDPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return &net.UDPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.UDPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}

// TCPAddrFromSockaddr converts a raw sockaddr (as returned by Accept)
// into a *net.TCPAddr, for labeling a south endpoint's remote address.
func TCPAddrFromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}

// SockaddrFromUDPAddr is the inverse of UDPAddrFromSockaddr.
func SockaddrFromUDPAddr(a *net.UDPAddr) (unix.Sockaddr, error) {
	sa, _, err := sockaddrAndFamily(a.IP, a.Port)
	return sa, err
}

// SockaddrEqual compares two sockaddrs on family, address, and port
// only — the meaningful fields for "is this the same remote peer",
// per spec.md §9's note on the UDP source-address map comparator.
func SockaddrEqual(a, b unix.Sockaddr) bool {
	switch av := a.(type) {
	case *unix.SockaddrInet4:
		bv, ok := b.(*unix.SockaddrInet4)
		return ok && av.Port == bv.Port && av.Addr == bv.Addr
	case *unix.SockaddrInet6:
		bv, ok := b.(*unix.SockaddrInet6)
		return ok && av.Port == bv.Port && av.Addr == bv.Addr
	default:
		return false
	}
}

// SockaddrKey returns a comparable map key for a sockaddr, built from
// the same meaningful fields as SockaddrEqual, for the UDP
// source-address demultiplexing map.
func SockaddrKey(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("4:%x:%d", v.Addr, v.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("6:%x:%d", v.Addr, v.Port)
	default:
		return ""
	}
}

// ListenTCP creates a non-blocking, listening TCP socket bound to
// ip:port with SO_REUSEADDR set and a generous backlog.
func ListenTCP(ip net.IP, port, backlog int) (int, error) {
	sa, family, err := sockaddrAndFamily(ip, port)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind %v:%d: %w", ip, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen: %w", err)
	}
	return fd, nil
}

// Accept accepts one pending connection from listenFd as a
// non-blocking socket. Returns ErrWouldBlock when nothing is pending.
func Accept(listenFd int) (int, unix.Sockaddr, error) {
	fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return -1, nil, ErrWouldBlock
		}
		return -1, nil, err
	}
	return fd, sa, nil
}

// DialTCPNonblocking creates a non-blocking TCP socket and starts
// connecting it to ip:port. A nil error means either the connection
// completed immediately or is in progress (EINPROGRESS); the caller
// must register the socket for writable events and call ConnectError
// once it fires.
func DialTCPNonblocking(ip net.IP, port int) (int, error) {
	sa, family, err := sockaddrAndFamily(ip, port)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: connect: %w", err)
	}
	return fd, nil
}

// ConnectError returns the pending socket error recorded via
// SO_ERROR, or nil if the non-blocking connect succeeded.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// ListenUDP creates a non-blocking, bound UDP socket with an enlarged
// SO_RCVBUF to absorb bursts (spec.md §4.6).
func ListenUDP(ip net.IP, port, rcvBuf int) (int, error) {
	sa, family, err := sockaddrAndFamily(ip, port)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if rcvBuf > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind %v:%d: %w", ip, port, err)
	}
	return fd, nil
}

// DialUDPConnected creates a non-blocking UDP socket with its default
// peer set to ip:port, so that plain Read/Write may be used instead
// of Recvfrom/Sendto.
func DialUDPConnected(ip net.IP, port int) (int, error) {
	sa, family, err := sockaddrAndFamily(ip, port)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: connect: %w", err)
	}
	return fd, nil
}

// Read reads into buf, translating EAGAIN into ErrWouldBlock.
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Write writes buf, translating EAGAIN into ErrWouldBlock.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Recvfrom reads a datagram and its source address, translating
// EAGAIN into ErrWouldBlock.
func Recvfrom(fd int, buf []byte) (int, unix.Sockaddr, error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, err
	}
	return n, sa, nil
}

// Sendto writes a datagram to the given destination, translating
// EAGAIN into ErrWouldBlock.
func Sendto(fd int, buf []byte, to unix.Sockaddr) error {
	err := unix.Sendto(fd, buf, 0, to)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}
		return err
	}
	return nil
}
