// Package service holds the pieces shared by the TCP and UDP
// forwarding services: the per-tunnel post-processing set, the
// configurable timeout classes, and the atomic counters the
// statistics reporter reads from another goroutine.
package service

import (
	"sync/atomic"
	"time"

	"github.com/otterscale/portforwarder/internal/tunnel"
)

// RecvHint sizes every arena.Reserve call on a read path: a generous
// guess at a single recv/read's worth of bytes. Reserve only needs a
// lower bound; the arena hands back whatever free block satisfies it.
const RecvHint = 16 * 1024

// Timeouts bundles the four configurable timer-class durations, per
// spec.md §4.5/§4.7. Release is folded into Broken per the decision in
// SPEC_FULL.md §11.3.
type Timeouts struct {
	Connect     time.Duration
	Established time.Duration
	Broken      time.Duration
	UDP         time.Duration
}

// PostProcessSet collects tunnels touched during one event batch so
// teardown decisions happen once, after dispatch, rather than inline
// with event handling (spec.md §9's post-processing-set design note).
// Membership is deduped via Tunnel.InPostProcessing so a tunnel named
// by several events in the same wake-up is inspected only once.
type PostProcessSet struct {
	tunnels []*tunnel.Tunnel
}

// Add enqueues t unless it is already pending inspection.
func (s *PostProcessSet) Add(t *tunnel.Tunnel) {
	if t.InPostProcessing {
		return
	}
	t.InPostProcessing = true
	s.tunnels = append(s.tunnels, t)
}

// Drain returns every pending tunnel and clears the set, resetting
// each tunnel's membership flag so it may be re-added later.
func (s *PostProcessSet) Drain() []*tunnel.Tunnel {
	out := s.tunnels
	s.tunnels = nil
	for _, t := range out {
		t.InPostProcessing = false
	}
	return out
}

// Counters holds the atomic fields the statistics reporter samples
// from a separate goroutine (SPEC_FULL.md §5). Cumulative fields are
// reset to zero by Snapshot, matching the per-interval reset decision
// in SPEC_FULL.md §11.1.
type Counters struct {
	ActiveTunnels atomic.Int64

	BytesSouthToNorth atomic.Uint64
	BytesNorthToSouth atomic.Uint64

	TimeoutConnect     atomic.Uint64
	TimeoutEstablished atomic.Uint64
	TimeoutBroken      atomic.Uint64
	TimeoutUDP         atomic.Uint64

	ForeignUDPDatagrams atomic.Uint64
}

// CounterSnapshot is a point-in-time, non-cumulative read of Counters.
type CounterSnapshot struct {
	ActiveTunnels       int64
	BytesSouthToNorth   uint64
	BytesNorthToSouth   uint64
	TimeoutConnect      uint64
	TimeoutEstablished  uint64
	TimeoutBroken       uint64
	TimeoutUDP          uint64
	ForeignUDPDatagrams uint64
}

// Snapshot reads every field and resets the cumulative (non-gauge)
// ones to zero, per the per-interval reset semantics the statistics
// reporter uses. ActiveTunnels is a gauge and is left untouched.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		ActiveTunnels:       c.ActiveTunnels.Load(),
		BytesSouthToNorth:   c.BytesSouthToNorth.Swap(0),
		BytesNorthToSouth:   c.BytesNorthToSouth.Swap(0),
		TimeoutConnect:      c.TimeoutConnect.Swap(0),
		TimeoutEstablished:  c.TimeoutEstablished.Swap(0),
		TimeoutBroken:       c.TimeoutBroken.Swap(0),
		TimeoutUDP:          c.TimeoutUDP.Swap(0),
		ForeignUDPDatagrams: c.ForeignUDPDatagrams.Swap(0),
	}
}
