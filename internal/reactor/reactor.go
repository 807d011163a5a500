// Package reactor implements the single epoll-based readiness loop
// that owns every socket in the data plane. One Reactor serves every
// configured service; there are no worker threads for forwarding.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Service is the subset of a forwarding service the reactor drives
// directly: deferred per-wakeup teardown decisions (PostProcess) and
// the once-a-second deadline scan (ScanTimeout).
type Service interface {
	PostProcess(now time.Time)
	ScanTimeout(now time.Time)
	Close() error
}

// HandlerFunc is invoked with the epoll event mask for one registered
// file descriptor and the current monotonic-ish timestamp.
type HandlerFunc func(events uint32, now time.Time)

// Edge-triggered readiness flags used throughout the data plane. The
// reactor registers every socket edge-triggered; every callback must
// drain its socket until it would block (spec.md §5).
const (
	EventsReadWrite = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLRDHUP
	EventsWriteOnly = unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLRDHUP
	EventsReadOnly  = unix.EPOLLIN | unix.EPOLLET | unix.EPOLLRDHUP
)

// pollTimeout bounds a single EpollWait call (spec.md §4.7 step 1).
const pollTimeout = 100 * time.Millisecond

// maxEvents bounds how many ready events a single EpollWait call may
// return.
const maxEvents = 1024

type registration struct {
	svc Service
	fn  HandlerFunc
}

// Reactor owns the epoll instance, the fd->handler registry, and the
// set of services subject to periodic post-processing and timeout
// scans.
type Reactor struct {
	epfd     int
	handlers map[int]registration
	services map[Service]struct{}
	lastTick time.Time
}

// New creates an epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:     epfd,
		handlers: make(map[int]registration),
		services: make(map[Service]struct{}),
	}, nil
}

// AddService registers a service for periodic PostProcess/ScanTimeout
// calls and for Close on shutdown.
func (r *Reactor) AddService(svc Service) {
	r.services[svc] = struct{}{}
}

// RemoveService stops driving svc's periodic callbacks.
func (r *Reactor) RemoveService(svc Service) {
	delete(r.services, svc)
}

// Register adds fd to the epoll set with the given event mask,
// dispatching to fn and marking svc as touched whenever fd fires.
func (r *Reactor) Register(fd int, events uint32, svc Service, fn HandlerFunc) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(add, %d): %w", fd, err)
	}
	r.handlers[fd] = registration{svc: svc, fn: fn}
	return nil
}

// Rebind swaps the dispatch function registered for fd without
// touching its epoll registration or event mask. Used when a socket's
// role changes after setup — e.g. a TCP north socket moves from its
// connect-completion handler to the steady-state forwarding handler
// once the connection establishes.
func (r *Reactor) Rebind(fd int, fn HandlerFunc) {
	reg, ok := r.handlers[fd]
	if !ok {
		return
	}
	reg.fn = fn
	r.handlers[fd] = reg
}

// Modify changes the event mask registered for fd.
func (r *Reactor) Modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(mod, %d): %w", fd, err)
	}
	return nil
}

// Deregister removes fd from the epoll set. Per spec.md §5, callers
// must deregister before closing the fd, to avoid races with
// late-delivered events that still name it.
func (r *Reactor) Deregister(fd int) error {
	delete(r.handlers, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("reactor: epoll_ctl(del, %d): %w", fd, err)
	}
	return nil
}

// Run drives the readiness loop until ctx is cancelled or a
// non-retryable poller error occurs. On a normal shutdown (ctx
// cancelled) every registered service is closed before Run returns
// nil. Services are kept in a map, so the order in which they are
// closed is not defined.
func (r *Reactor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxEvents)

	for {
		if err := ctx.Err(); err != nil {
			r.shutdown()
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events, int(pollTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			// Non-retryable poller error: close every socket this
			// reactor owns before returning, so a caller that rebuilds
			// the data plane from scratch (spec.md §4.7 step 5) starts
			// from a clean slate instead of leaking the old socket set.
			r.shutdown()
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		now := time.Now()
		touched := make(map[Service]struct{}, n)
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			reg, ok := r.handlers[fd]
			if !ok {
				// Stale event for an fd deregistered earlier this
				// batch; the endpoint that owned it is already gone.
				continue
			}
			reg.fn(events[i].Events, now)
			touched[reg.svc] = struct{}{}
		}
		for svc := range touched {
			svc.PostProcess(now)
		}

		if tick := now.Truncate(time.Second); tick.After(r.lastTick) {
			r.lastTick = tick
			for svc := range r.services {
				svc.PostProcess(now)
				svc.ScanTimeout(now)
			}
		}
	}
}

// shutdown closes every registered service. Closing a service closes
// its tunnels, which return their PacketBlocks to the arena.
func (r *Reactor) shutdown() {
	for svc := range r.services {
		_ = svc.Close()
	}
}

// Close releases the epoll file descriptor. Call after Run returns.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
