package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type nopService struct{ closed bool }

func (s *nopService) PostProcess(time.Time) {}
func (s *nopService) ScanTimeout(time.Time) {}
func (s *nopService) Close() error         { s.closed = true; return nil }

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegisterDispatchesReadableEvent(t *testing.T) {
	a, b := socketpair(t)

	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	svc := &nopService{}
	received := make(chan uint32, 1)
	require.NoError(t, r.Register(a, EventsReadOnly, svc, func(events uint32, now time.Time) {
		received <- events
	}))

	_, err = unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go r.Run(ctx)

	select {
	case ev := <-received:
		assert.NotZero(t, ev&unix.EPOLLIN)
	case <-ctx.Done():
		t.Fatal("timed out waiting for readable event")
	}
}

func TestRebindSwapsHandlerWithoutReregistering(t *testing.T) {
	a, b := socketpair(t)

	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	svc := &nopService{}
	firstCalled := make(chan struct{}, 1)
	secondCalled := make(chan struct{}, 1)

	require.NoError(t, r.Register(a, EventsReadOnly, svc, func(uint32, time.Time) {
		firstCalled <- struct{}{}
	}))
	r.Rebind(a, func(uint32, time.Time) {
		secondCalled <- struct{}{}
	})

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go r.Run(ctx)

	select {
	case <-secondCalled:
	case <-firstCalled:
		t.Fatal("stale handler fired after Rebind")
	case <-ctx.Done():
		t.Fatal("timed out waiting for rebound handler")
	}
}

func TestDeregisterStopsDispatch(t *testing.T) {
	a, b := socketpair(t)

	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	svc := &nopService{}
	calls := make(chan struct{}, 4)
	require.NoError(t, r.Register(a, EventsReadOnly, svc, func(uint32, time.Time) {
		calls <- struct{}{}
	}))
	require.NoError(t, r.Deregister(a))

	_, err = unix.Write(b, []byte("y"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	assert.Empty(t, calls)
}

func TestRunClosesServicesOnPollerError(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	svc := &nopService{}
	r.AddService(svc)

	// Close the epoll fd out from under the running loop so the next
	// EpollWait fails with EBADF, a non-retryable poller error.
	require.NoError(t, r.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = r.Run(ctx)

	assert.Error(t, err)
	assert.True(t, svc.closed)
}

func TestRunClosesServicesOnShutdown(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	svc := &nopService{}
	r.AddService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	assert.True(t, svc.closed)
}
