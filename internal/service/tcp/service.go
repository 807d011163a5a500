// Package tcp implements the TCP forwarding service: one listening
// socket, an accept loop that spins up a tunnel per connection, and
// the established-tunnel forwarding loop, per SPEC_FULL.md §4.5.
package tcp

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
var ErrNoTargets = errors.New("tcp: no resolved target addresses")

// backlog is the listen backlog for every TCP service socket.
const backlog = 1024

// Option configures a Service at construction.
type Option func(*Service)

// WithLogger attaches a logger; the default discards all output.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithCounters attaches the counters the statistics reporter reads.
// The default is a private, unreported Counters value.
func WithCounters(c *service.Counters) Option {
	return func(s *Service) { s.counters = c }
}

// Service is one TCP forward: a listener plus every tunnel it owns.
type Service struct {
	name      string
	listenFD  int
	localAddr net.Addr

	reactor  *reactor.Reactor
	arena    *arena.Arena
	selector *selector.TargetSelector
	timeouts service.Timeouts

	highWater, lowWater int

	log      *slog.Logger
	counters *service.Counters

	postProcess service.PostProcessSet

	connectTimers     timerlist.TimerList
	establishedTimers timerlist.TimerList
	brokenTimers      timerlist.TimerList

	established map[*tunnel.Tunnel]struct{}
}

// New creates and binds the service's listening socket and registers
// it with r for edge-triggered readable events. highWaterMiB sizes
// per-endpoint backpressure; 0 disables it.
func New(name string, ip net.IP, port int, r *reactor.Reactor, a *arena.Arena, sel *selector.TargetSelector, timeouts service.Timeouts, highWaterMiB int, opts ...Option) (*Service, error) {
	if len(sel.Addrs()) == 0 {
		return nil, ErrNoTargets
	}

	fd, err := netutil.ListenTCP(ip, port, backlog)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s:%d: %w", ip, port, err)
	}

	high := highWaterMiB * 1024 * 1024
	svc := &Service{
		name:        name,
		listenFD:    fd,
		localAddr:   &net.TCPAddr{IP: ip, Port: port},
		reactor:     r,
		arena:       a,
		selector:    sel,
		timeouts:    timeouts,
		highWater:   high,
		lowWater:    high / 2,
		log:         slog.New(slog.DiscardHandler),
		counters:    &service.Counters{},
		established: make(map[*tunnel.Tunnel]struct{}),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.log = svc.log.With("service", name, "protocol", "tcp")

	if err := r.Register(fd, reactor.EventsReadOnly, svc, svc.onAccept); err != nil {
		netutil.Close(fd)
		return nil, fmt.Errorf("tcp: register listener: %w", err)
	}
	r.AddService(svc)
	return svc, nil
}

func (s *Service) newTunnel() *tunnel.Tunnel {
	t := tunnel.New()
	t.OnBroken = func(t *tunnel.Tunnel) {
		s.postProcess.Add(t)
		s.armBroken(t, time.Now())
	}
	return t
}

// armBroken moves t's single timer entry from whichever class timer
// list currently holds it onto the broken-class list, implementing
// the release-timeout-as-broken-alias decision of SPEC_FULL.md §11.3.
func (s *Service) armBroken(t *tunnel.Tunnel, now time.Time) {
	if t.TimerEntry != nil {
		s.connectTimers.Erase(t.TimerEntry)
		s.establishedTimers.Erase(t.TimerEntry)
	}
	t.TimerEntry = s.brokenTimers.PushBack(now.Add(s.timeouts.Broken), t)
}

// onAccept drains the listener until it would block, spinning up one
// tunnel per accepted connection (spec.md §4.5's accept path).
func (s *Service) onAccept(events uint32, now time.Time) {
	for {
		fd, sa, err := netutil.Accept(s.listenFD)
		if err != nil {
			if errors.Is(err, netutil.ErrWouldBlock) {
				return
			}
			s.log.Error("accept failed", "error", err)
			return
		}
		s.acceptOne(fd, netutil.TCPAddrFromSockaddr(sa), now)
	}
}

func (s *Service) acceptOne(southFD int, clientAddr *net.TCPAddr, now time.Time) {
	target := s.selector.Next()
	tAddr, ok := target.(*net.TCPAddr)
	if !ok {
		s.log.Error("target selector returned non-TCP address", "address", target)
		netutil.Close(southFD)
		return
	}

	northFD, err := netutil.DialTCPNonblocking(tAddr.IP, tAddr.Port)
	if err != nil {
		// Resource exhaustion at connect setup: reject this client
		// the way spec.md §4.5 rejects when a tunnel cannot be
		// allocated, and keep the accept loop running.
		s.log.Warn("dial target failed, rejecting connection", "target", tAddr, "error", err)
		netutil.Close(southFD)
		return
	}

	t := s.newTunnel()
	south := endpoint.New(endpoint.TCP, endpoint.South, endpoint.KindNormal, southFD, s.highWater, s.lowWater)
	north := endpoint.New(endpoint.TCP, endpoint.North, endpoint.KindNormal, northFD, s.highWater, s.lowWater)
	south.RemoteAddr, north.RemoteAddr = clientAddr, tAddr
	south.Tunnel, north.Tunnel = t, t
	south.Owner, north.Owner = s, s
	t.North, t.South = north, south
	s.log.Debug("tunnel allocated", "tunnel", t.ID, "client", clientAddr, "target", tAddr)

	if err := s.reactor.Register(northFD, reactor.EventsWriteOnly, s, func(events uint32, now time.Time) {
		s.onConnectWritable(t, events, now)
	}); err != nil {
		s.log.Error("register north socket failed", "error", err)
		netutil.Close(southFD)
		netutil.Close(northFD)
		return
	}

	_ = t.SetState(tunnel.Allocated)
	_ = t.SetState(tunnel.Initialized)
	_ = t.SetState(tunnel.Connect)
	t.TimerEntry = s.connectTimers.PushBack(now.Add(s.timeouts.Connect), t)
}

// onConnectWritable fires when the north socket becomes writable for
// the first time, per spec.md §4.5's connect-completion handler.
func (s *Service) onConnectWritable(t *tunnel.Tunnel, events uint32, now time.Time) {
	if t.State != tunnel.Connect {
		return
	}

	if err := netutil.ConnectError(t.North.FD); err != nil {
		s.selector.ReportFailure(t.North.RemoteAddr)
		s.log.Debug("connect failed", "target", t.North.RemoteAddr, "error", err)
		s.failEndpoint(t, t.North, now)
		return
	}

	_ = t.SetState(tunnel.Established)
	t.North.Peer, t.South.Peer = t.South, t.North

	s.reactor.Rebind(t.North.FD, func(events uint32, now time.Time) {
		s.onData(t, t.North, events, now)
	})
	if err := s.reactor.Modify(t.North.FD, reactor.EventsReadWrite); err != nil {
		s.log.Error("modify north events failed", "error", err)
	}
	if err := s.reactor.Register(t.South.FD, reactor.EventsReadWrite, s, func(events uint32, now time.Time) {
		s.onData(t, t.South, events, now)
	}); err != nil {
		s.log.Error("register south socket failed", "error", err)
		s.failEndpoint(t, t.South, now)
		return
	}
	s.established[t] = struct{}{}
	s.counters.ActiveTunnels.Store(int64(len(s.established)))

	s.connectTimers.Erase(t.TimerEntry)
	t.TimerEntry = s.establishedTimers.PushBack(now.Add(s.timeouts.Established), t)
}

// onData implements the ESTABLISHED forwarding loop of spec.md §4.5
// for one direction: local is the endpoint that fired, its peer is
// the other side of the tunnel.
func (s *Service) onData(t *tunnel.Tunnel, local *endpoint.Endpoint, events uint32, now time.Time) {
	if !local.Valid {
		return
	}

	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		s.drainRead(t, local, now)
		if !local.Valid {
			return
		}
	}
	if events&unix.EPOLLOUT != 0 {
		s.drainWrite(t, local, now)
	}
}

func (s *Service) drainRead(t *tunnel.Tunnel, local *endpoint.Endpoint, now time.Time) {
	peer := local.Peer
	for !local.StopReceive {
		buf, err := s.arena.Reserve(service.RecvHint)
		if err != nil {
			local.StopReceive = true
			return
		}
		n, rerr := netutil.Read(local.FD, buf)
		if rerr != nil {
			s.abortReservation()
			if errors.Is(rerr, netutil.ErrWouldBlock) {
				return
			}
			s.failEndpoint(t, local, now)
			return
		}
		if n == 0 {
			s.abortReservation()
			s.failEndpoint(t, local, now)
			return
		}

		block, err := s.arena.Commit(n)
		if err != nil {
			s.log.Error("commit failed", "error", err)
			s.failEndpoint(t, local, now)
			return
		}
		if local.Direction == endpoint.South {
			s.counters.BytesSouthToNorth.Add(uint64(n))
		} else {
			s.counters.BytesNorthToSouth.Add(uint64(n))
		}
		if peer.Enqueue(block) {
			local.StopReceive = true
		}
		s.refresh(t, now)
	}
}

func (s *Service) abortReservation() {
	b, err := s.arena.Commit(0)
	if err == nil {
		s.arena.Release(b)
	}
}

func (s *Service) drainWrite(t *tunnel.Tunnel, local *endpoint.Endpoint, now time.Time) {
	for !local.Empty() {
		head := local.Head()
		n, err := netutil.Write(local.FD, head.Remaining())
		if err != nil {
			if errors.Is(err, netutil.ErrWouldBlock) {
				return
			}
			s.failEndpoint(t, local, now)
			return
		}
		if n == 0 {
			return
		}
		local.Advance(n)
		s.refresh(t, now)
		if head.Sent < head.Length {
			continue
		}
		released := local.ReleaseHead()
		s.arena.Release(released)
		s.resumePeerIfDrained(local)
	}
}

// resumePeerIfDrained re-enables reads on whichever endpoint had
// stop_receive set because local's queue was over its high-water
// mark, once local has drained below the low-water mark.
func (s *Service) resumePeerIfDrained(local *endpoint.Endpoint) {
	peer := local.Peer
	if peer == nil || !peer.StopReceive || !local.UnderLowWater() {
		return
	}
	peer.StopReceive = false
	if peer.Valid {
		_ = s.reactor.Modify(peer.FD, reactor.EventsReadWrite)
	}
}

func (s *Service) refresh(t *tunnel.Tunnel, now time.Time) {
	s.establishedTimers.Refresh(now.Add(s.timeouts.Established), t.TimerEntry)
}

// failEndpoint marks local invalid, deregisters it, and moves the
// tunnel to BROKEN (enqueuing it for post-processing), per the
// pointer-safety design note in spec.md §9.
func (s *Service) failEndpoint(t *tunnel.Tunnel, local *endpoint.Endpoint, now time.Time) {
	if !local.Valid {
		return
	}
	local.Valid = false
	_ = s.reactor.Deregister(local.FD)

	if t.State == tunnel.Connect || t.State == tunnel.Established {
		_ = t.SetState(tunnel.Broken)
	}
}

// PostProcess implements reactor.Service: walk the post-processing
// set and either tear down or arrange a flush-then-retry, per
// spec.md §4.5.
func (s *Service) PostProcess(now time.Time) {
	for _, t := range s.postProcess.Drain() {
		switch t.State {
		case tunnel.Initialized, tunnel.Connect:
			s.teardown(t, now)
		case tunnel.Broken:
			if t.ReadyForTeardown() {
				s.teardown(t, now)
				continue
			}
			for _, e := range [2]*endpoint.Endpoint{t.North, t.South} {
				if e != nil && e.Valid && !e.Empty() {
					_ = s.reactor.Modify(e.FD, reactor.EventsWriteOnly)
				}
			}
			s.postProcess.Add(t)
		}
	}
}

// ScanTimeout implements reactor.Service: expire each timer class and
// move expired tunnels toward teardown, per spec.md §4.5/§4.7.
func (s *Service) ScanTimeout(now time.Time) {
	for _, e := range s.connectTimers.DrainExpired(now) {
		t := e.Owner.(*tunnel.Tunnel)
		s.counters.TimeoutConnect.Add(1)
		_ = t.SetState(tunnel.Broken)
	}
	for _, e := range s.establishedTimers.DrainExpired(now) {
		t := e.Owner.(*tunnel.Tunnel)
		s.counters.TimeoutEstablished.Add(1)
		_ = t.SetState(tunnel.Broken)
	}
	for _, e := range s.brokenTimers.DrainExpired(now) {
		t := e.Owner.(*tunnel.Tunnel)
		s.counters.TimeoutBroken.Add(1)
		s.teardown(t, now)
	}
}

// teardown closes both endpoints' sockets, returns any still-queued
// blocks to the arena, erases the tunnel's timer entry, and moves it
// to CLOSED.
func (s *Service) teardown(t *tunnel.Tunnel, now time.Time) {
	for _, e := range [2]*endpoint.Endpoint{t.North, t.South} {
		if e == nil {
			continue
		}
		e.Valid = false
		_ = s.reactor.Deregister(e.FD)
		_ = netutil.Close(e.FD)
		for !e.Empty() {
			s.arena.Release(e.ReleaseHead())
		}
	}

	if t.TimerEntry != nil {
		s.connectTimers.Erase(t.TimerEntry)
		s.establishedTimers.Erase(t.TimerEntry)
		s.brokenTimers.Erase(t.TimerEntry)
		t.TimerEntry = nil
	}

	if t.State != tunnel.Broken && t.State != tunnel.Closed {
		_ = t.SetState(tunnel.Broken)
	}
	_ = t.SetState(tunnel.Closed)

	if _, ok := s.established[t]; ok {
		delete(s.established, t)
		s.counters.ActiveTunnels.Store(int64(len(s.established)))
	}
}

// Close implements reactor.Service: closes the listener and every
// tunnel still owned by this service.
func (s *Service) Close() error {
	_ = s.reactor.Deregister(s.listenFD)
	_ = netutil.Close(s.listenFD)

	now := time.Now()
	for t := range s.established {
		s.teardown(t, now)
	}
	// Tunnels that never reached ESTABLISHED are not in s.established;
	// their only timer entry is on the connect or broken list.
	far := now.Add(100 * 365 * 24 * time.Hour)
	for _, l := range []*timerlist.TimerList{&s.connectTimers, &s.brokenTimers} {
		for _, e := range l.DrainExpired(far) {
			if t := e.Owner.(*tunnel.Tunnel); t.State != tunnel.Closed {
				t.TimerEntry = nil
				s.teardown(t, now)
			}
		}
	}
	return nil
}
