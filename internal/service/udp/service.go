// Package udp implements the UDP forwarding service: one shared,
// connectionless service socket demultiplexed by source address into
// per-flow tunnels, each holding a connected north socket, per
// SPEC_FULL.md §4.6.
package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/otterscale/portforwarder/internal/arena"
	"github.com/otterscale/portforwarder/internal/endpoint"
	"github.com/otterscale/portforwarder/internal/netutil"
	"github.com/otterscale/portforwarder/internal/reactor"
	"github.com/otterscale/portforwarder/internal/selector"
	"github.com/otterscale/portforwarder/internal/service"
	"github.com/otterscale/portforwarder/internal/timerlist"
	"github.com/otterscale/portforwarder/internal/tunnel"
)

// ErrNoTargets is returned by New when the target selector has no
// resolved addresses.
var ErrNoTargets = errors.New("udp: no resolved target addresses")

// rcvBuf enlarges the service socket's kernel receive buffer to
// absorb bursts, per spec.md §4.6.
const rcvBuf = 4 * 1024 * 1024

// Option configures a Service at construction.
type Option func(*Service)

// WithLogger attaches a logger; the default discards all output.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithCounters attaches the counters the statistics reporter reads.
func WithCounters(c *service.Counters) Option {
	return func(s *Service) { s.counters = c }
}

// Service is one UDP forward: a shared service socket plus every
// source-address-keyed tunnel it owns.
type Service struct {
	south     *endpoint.Endpoint
	localAddr *net.UDPAddr

	reactor  *reactor.Reactor
	arena    *arena.Arena
	selector *selector.TargetSelector
	timeouts service.Timeouts

	highWater, lowWater int

	log      *slog.Logger
	counters *service.Counters

	postProcess service.PostProcessSet

	udpTimers    timerlist.TimerList
	brokenTimers timerlist.TimerList

	bySource map[string]*tunnel.Tunnel
	tunnels  map[*tunnel.Tunnel]string // tunnel -> its bySource key, for teardown
}

// New creates and binds the service socket and registers it with r
// for edge-triggered readable+writable events.
func New(name string, ip net.IP, port int, r *reactor.Reactor, a *arena.Arena, sel *selector.TargetSelector, timeouts service.Timeouts, highWaterMiB int, opts ...Option) (*Service, error) {
	if len(sel.Addrs()) == 0 {
		return nil, ErrNoTargets
	}

	fd, err := netutil.ListenUDP(ip, port, rcvBuf)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s:%d: %w", ip, port, err)
	}

	high := highWaterMiB * 1024 * 1024
	svc := &Service{
		south:     endpoint.New(endpoint.UDP, endpoint.South, endpoint.KindService, fd, 0, 0),
		localAddr: &net.UDPAddr{IP: ip, Port: port},
		reactor:   r,
		arena:     a,
		selector:  sel,
		timeouts:  timeouts,
		highWater: high,
		lowWater:  high / 2,
		log:       slog.New(slog.DiscardHandler),
		counters:  &service.Counters{},
		bySource:  make(map[string]*tunnel.Tunnel),
		tunnels:   make(map[*tunnel.Tunnel]string),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.log = svc.log.With("service", name, "protocol", "udp")

	if err := r.Register(fd, reactor.EventsReadWrite, svc, svc.onSouth); err != nil {
		netutil.Close(fd)
		return nil, fmt.Errorf("udp: register service socket: %w", err)
	}
	r.AddService(svc)
	return svc, nil
}

func (s *Service) onSouth(events uint32, now time.Time) {
	if events&unix.EPOLLIN != 0 {
		s.drainSouthRead(now)
	}
	if events&unix.EPOLLOUT != 0 {
		s.drainSouthWrite(now)
	}
}

// drainSouthRead demultiplexes inbound client datagrams by source
// address, creating a tunnel on first sight of a new source, per
// spec.md §4.6's flow-demultiplexing description.
func (s *Service) drainSouthRead(now time.Time) {
	for !s.south.StopReceive {
		buf, err := s.arena.Reserve(service.RecvHint)
		if err != nil {
			s.south.StopReceive = true
			return
		}
		n, sa, rerr := netutil.Recvfrom(s.south.FD, buf)
		if rerr != nil {
			s.abortReservation()
			if errors.Is(rerr, netutil.ErrWouldBlock) {
				return
			}
			s.log.Error("recvfrom failed", "error", rerr)
			return
		}

		block, err := s.arena.Commit(n)
		if err != nil {
			s.log.Error("commit failed", "error", err)
			return
		}
		s.counters.BytesSouthToNorth.Add(uint64(n))

		t, err := s.tunnelFor(sa, now)
		if err != nil {
			s.log.Warn("drop datagram, cannot create tunnel", "error", err)
			s.arena.Release(block)
			continue
		}

		if t.North.Enqueue(block) {
			s.log.Debug("north queue over high water", "target", t.North.RemoteAddr)
		}
		s.refresh(t, now)
		s.flushNorth(t, now)
	}
}

// tunnelFor returns the existing tunnel for sa, or creates one
// against the next selector target.
func (s *Service) tunnelFor(sa unix.Sockaddr, now time.Time) (*tunnel.Tunnel, error) {
	key := netutil.SockaddrKey(sa)
	if t, ok := s.bySource[key]; ok {
		return t, nil
	}

	target := s.selector.Next()
	uAddr, ok := target.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("udp: target selector returned non-UDP address %v", target)
	}

	northFD, err := netutil.DialUDPConnected(uAddr.IP, uAddr.Port)
	if err != nil {
		return nil, fmt.Errorf("udp: dial target %s: %w", uAddr, err)
	}

	t := tunnel.New()
	t.OnBroken = func(t *tunnel.Tunnel) {
		s.postProcess.Add(t)
		s.armBroken(t, time.Now())
	}
	north := endpoint.New(endpoint.UDP, endpoint.North, endpoint.KindNormal, northFD, s.highWater, s.lowWater)
	north.RemoteAddr = uAddr
	north.Tunnel, north.Owner = t, s
	t.North = north
	t.UDPSouthAddr = netutil.UDPAddrFromSockaddr(sa)

	if err := s.reactor.Register(northFD, reactor.EventsReadWrite, s, func(events uint32, now time.Time) {
		s.onNorth(t, events, now)
	}); err != nil {
		netutil.Close(northFD)
		return nil, fmt.Errorf("udp: register north socket: %w", err)
	}

	_ = t.SetState(tunnel.Allocated)
	_ = t.SetState(tunnel.Initialized)
	_ = t.SetState(tunnel.Connect)
	_ = t.SetState(tunnel.Established)
	t.TimerEntry = s.udpTimers.PushBack(now.Add(s.timeouts.UDP), t)

	s.bySource[key] = t
	s.tunnels[t] = key
	s.counters.ActiveTunnels.Store(int64(len(s.tunnels)))
	return t, nil
}

// flushNorth attempts an immediate send on the north socket so a
// single datagram in the common case never waits for a writable
// event (spec.md §4.6's outbound path).
func (s *Service) flushNorth(t *tunnel.Tunnel, now time.Time) {
	s.drainNorthWrite(t, now)
}

func (s *Service) onNorth(t *tunnel.Tunnel, events uint32, now time.Time) {
	if !t.North.Valid {
		return
	}
	if events&unix.EPOLLIN != 0 {
		s.drainNorthRead(t, now)
	}
	if events&unix.EPOLLOUT != 0 {
		s.drainNorthWrite(t, now)
	}
}

// drainNorthRead implements the inbound path of spec.md §4.6: replies
// from the target are labeled with the tunnel's recorded south
// address and queued on the shared service socket.
func (s *Service) drainNorthRead(t *tunnel.Tunnel, now time.Time) {
	north := t.North
	for !north.StopReceive {
		buf, err := s.arena.Reserve(service.RecvHint)
		if err != nil {
			north.StopReceive = true
			return
		}
		n, sa, rerr := netutil.Recvfrom(north.FD, buf)
		if rerr != nil {
			s.abortReservation()
			if errors.Is(rerr, netutil.ErrWouldBlock) {
				return
			}
			s.failTunnel(t, now)
			return
		}

		expected, _ := netutil.SockaddrFromUDPAddr(north.RemoteAddr.(*net.UDPAddr))
		if expected == nil || !netutil.SockaddrEqual(sa, expected) {
			s.counters.ForeignUDPDatagrams.Add(1)
			s.log.Debug("dropping foreign datagram", "target", north.RemoteAddr, "from", sa)
			b, cerr := s.arena.Commit(n)
			if cerr == nil {
				s.arena.Release(b)
			}
			continue
		}

		block, err := s.arena.Commit(n)
		if err != nil {
			s.log.Error("commit failed", "error", err)
			return
		}
		s.counters.BytesNorthToSouth.Add(uint64(n))
		block.Dest = t.UDPSouthAddr
		if s.south.Enqueue(block) {
			s.log.Debug("south queue over high water")
		}
		s.refresh(t, now)
		s.drainSouthWrite(now)
	}
}

func (s *Service) drainNorthWrite(t *tunnel.Tunnel, now time.Time) {
	north := t.North
	for !north.Empty() {
		head := north.Head()
		n, err := netutil.Write(north.FD, head.Remaining())
		if err != nil {
			if errors.Is(err, netutil.ErrWouldBlock) {
				return
			}
			s.failTunnel(t, now)
			return
		}
		if n == 0 {
			return
		}
		north.Advance(n)
		s.refresh(t, now)
		if head.Sent < head.Length {
			continue
		}
		released := north.ReleaseHead()
		s.arena.Release(released)
		s.wakeIfPaused()
	}
}

func (s *Service) drainSouthWrite(now time.Time) {
	for !s.south.Empty() {
		head := s.south.Head()
		if head.Dest == nil {
			// Shouldn't happen: every reverse-path block is labeled
			// at enqueue time. Drop it rather than spin forever.
			s.arena.Release(s.south.ReleaseHead())
			continue
		}
		to, err := netutil.SockaddrFromUDPAddr(head.Dest)
		if err != nil {
			s.arena.Release(s.south.ReleaseHead())
			continue
		}
		if err := netutil.Sendto(s.south.FD, head.Remaining(), to); err != nil {
			if errors.Is(err, netutil.ErrWouldBlock) {
				return
			}
			s.log.Warn("sendto failed", "to", head.Dest, "error", err)
			s.arena.Release(s.south.ReleaseHead())
			continue
		}
		s.south.Advance(len(head.Remaining()))
		released := s.south.ReleaseHead()
		s.arena.Release(released)
		s.wakeIfPaused()
	}
}

func (s *Service) abortReservation() {
	b, err := s.arena.Commit(0)
	if err == nil {
		s.arena.Release(b)
	}
}

// wakeIfPaused re-enables the service socket's read interest after an
// arena release, if it had been paused for exhaustion. Edge-triggered
// epoll needs an explicit MOD to re-check readiness since the socket
// never transitioned through not-ready in the meantime.
func (s *Service) wakeIfPaused() {
	if !s.south.StopReceive {
		return
	}
	s.south.StopReceive = false
	_ = s.reactor.Modify(s.south.FD, reactor.EventsReadWrite)
}

func (s *Service) refresh(t *tunnel.Tunnel, now time.Time) {
	s.udpTimers.Refresh(now.Add(s.timeouts.UDP), t.TimerEntry)
}

func (s *Service) armBroken(t *tunnel.Tunnel, now time.Time) {
	if t.TimerEntry != nil {
		s.udpTimers.Erase(t.TimerEntry)
	}
	t.TimerEntry = s.brokenTimers.PushBack(now.Add(s.timeouts.Broken), t)
}

func (s *Service) failTunnel(t *tunnel.Tunnel, now time.Time) {
	if !t.North.Valid {
		return
	}
	t.North.Valid = false
	_ = s.reactor.Deregister(t.North.FD)
	if t.State == tunnel.Established || t.State == tunnel.Connect {
		_ = t.SetState(tunnel.Broken)
	}
}

// PostProcess implements reactor.Service.
func (s *Service) PostProcess(now time.Time) {
	for _, t := range s.postProcess.Drain() {
		if t.State != tunnel.Broken {
			continue
		}
		if t.ReadyForTeardown() {
			s.teardown(t)
			continue
		}
		if t.North != nil && t.North.Valid && !t.North.Empty() {
			_ = s.reactor.Modify(t.North.FD, reactor.EventsWriteOnly)
		}
		s.postProcess.Add(t)
	}
}

// ScanTimeout implements reactor.Service.
func (s *Service) ScanTimeout(now time.Time) {
	for _, e := range s.udpTimers.DrainExpired(now) {
		t := e.Owner.(*tunnel.Tunnel)
		s.counters.TimeoutUDP.Add(1)
		_ = t.SetState(tunnel.Broken)
	}
	for _, e := range s.brokenTimers.DrainExpired(now) {
		t := e.Owner.(*tunnel.Tunnel)
		s.counters.TimeoutBroken.Add(1)
		s.teardown(t)
	}
}

func (s *Service) teardown(t *tunnel.Tunnel) {
	if t.North != nil {
		t.North.Valid = false
		_ = s.reactor.Deregister(t.North.FD)
		_ = netutil.Close(t.North.FD)
		for !t.North.Empty() {
			s.arena.Release(t.North.ReleaseHead())
		}
	}
	if t.TimerEntry != nil {
		s.udpTimers.Erase(t.TimerEntry)
		s.brokenTimers.Erase(t.TimerEntry)
		t.TimerEntry = nil
	}
	if t.State != tunnel.Broken && t.State != tunnel.Closed {
		_ = t.SetState(tunnel.Broken)
	}
	_ = t.SetState(tunnel.Closed)

	if key, ok := s.tunnels[t]; ok {
		delete(s.tunnels, t)
		delete(s.bySource, key)
		s.counters.ActiveTunnels.Store(int64(len(s.tunnels)))
	}
}

// Close implements reactor.Service: closes the service socket and
// every tunnel it still owns, returning all queued blocks to the
// arena.
func (s *Service) Close() error {
	_ = s.reactor.Deregister(s.south.FD)
	_ = netutil.Close(s.south.FD)
	for !s.south.Empty() {
		s.arena.Release(s.south.ReleaseHead())
	}

	for t := range s.tunnels {
		s.teardown(t)
	}
	return nil
}
