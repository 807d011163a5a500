// Package tunnel implements the paired-endpoint state machine that
// sits at the center of every forwarded flow.
package tunnel

import (
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/otterscale/portforwarder/internal/endpoint"
	"github.com/otterscale/portforwarder/internal/timerlist"
)

// Tunnel pairs a south (client-facing) and north (target-facing)
// endpoint with shared lifecycle state. Per SPEC_FULL.md §3, the
// tunnel is the owner of both endpoints. The TCP service sets
// North.Peer == South and South.Peer == North when the tunnel reaches
// ESTABLISHED; before that the Peer fields are nil. A UDP tunnel has
// no South endpoint.
type Tunnel struct {
	// ID correlates a tunnel's log lines across its lifetime; it
	// carries no wire meaning.
	ID string

	North, South *endpoint.Endpoint

	State     State
	CreatedAt time.Time

	// TimerEntry is the tunnel's single entry in whichever TimerList
	// matches its current state class. Moving between classes erases
	// from the old list and pushes to the new one; see SPEC_FULL.md.
	TimerEntry *timerlist.Entry

	// InPostProcessing dedupes membership in a service's
	// post-processing set; a tunnel is enqueued at most once per
	// batch regardless of how many events named it.
	InPostProcessing bool

	// UDPSouthAddr records the client's source address for a UDP
	// tunnel, whose south side has no per-flow socket of its own —
	// replies are sent via the shared service socket to this address.
	UDPSouthAddr *net.UDPAddr

	// OnBroken, if set, is invoked whenever SetState transitions the
	// tunnel into Broken from any other state. Services use this to
	// enqueue the tunnel into their post-processing set without the
	// tunnel package needing to know about services.
	OnBroken func(*Tunnel)
}

// New creates a tunnel in the CLOSED state, matching spec.md §4.4's
// "CLOSED is the state before allocation" reading of the matrix (the
// only outgoing edge from CLOSED is to ALLOCATED).
func New() *Tunnel {
	return &Tunnel{ID: uuid.NewString(), State: Closed, CreatedAt: time.Now()}
}

// SetState is the single entry point for every state transition;
// every caller must go through it so the matrix is enforced
// uniformly (spec.md §9 design note).
func (t *Tunnel) SetState(to State) error {
	from := t.State
	if !legal(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}
	t.State = to
	if to == Broken && from != Broken && t.OnBroken != nil {
		t.OnBroken(t)
	}
	return nil
}

// ReadyForTeardown implements the teardown policy of spec.md §4.4: a
// BROKEN tunnel is only released once both endpoints are either
// invalid or have empty send queues, so queued data gets a chance to
// flush before close.
func (t *Tunnel) ReadyForTeardown() bool {
	return endpointFlushed(t.North) && endpointFlushed(t.South)
}

func endpointFlushed(e *endpoint.Endpoint) bool {
	if e == nil {
		return true
	}
	return !e.Valid || e.Empty()
}
