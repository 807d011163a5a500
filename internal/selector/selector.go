// Package selector implements the round-robin target selection used
// by each forwarding service to pick which resolved upstream address
// a new tunnel connects to.
package selector

import (
	"fmt"
	"net"
	"sync/atomic"
)

// TargetSelector rotates through a fixed list of resolved addresses,
// recorded once at service startup from the name-resolution step.
// Safe for concurrent use: Next is called from the reactor goroutine
// only, but ReportFailure's counter is also read by the statistics
// goroutine, so it is kept atomic.
type TargetSelector struct {
	addrs    []net.Addr
	index    int
	failures atomic.Int64
}

// New creates a TargetSelector over a non-empty list of resolved
// addresses.
func New(addrs []net.Addr) (*TargetSelector, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("selector: no resolved target addresses")
	}
	return &TargetSelector{addrs: addrs}, nil
}

// Next advances the rolling index and returns the next target
// address, modulo the list length.
func (s *TargetSelector) Next() net.Addr {
	a := s.addrs[s.index]
	s.index = (s.index + 1) % len(s.addrs)
	return a
}

// ReportFailure is accepted but advisory only in this version: no
// address is evicted from rotation. It only increments a counter
// surfaced by the statistics reporter; the hook exists for future
// dead-address suppression (spec open question, see SPEC_FULL.md).
func (s *TargetSelector) ReportFailure(_ net.Addr) {
	s.failures.Add(1)
}

// Failures returns the cumulative report-failure count.
func (s *TargetSelector) Failures() int64 {
	return s.failures.Load()
}

// Addrs returns the configured address list (read-only use).
func (s *TargetSelector) Addrs() []net.Addr {
	return s.addrs
}
