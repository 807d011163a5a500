// Package endpoint implements one non-blocking socket plus its send
// queue: the unit the reactor dispatches events to and the unit
// tunnels pair up north/south.
package endpoint

import (
	"net"
	"sync/atomic"

	"github.com/otterscale/portforwarder/internal/arena"
)

// Protocol identifies the wire protocol an endpoint speaks.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// Direction tags which side of a tunnel an endpoint faces.
type Direction int

const (
	South Direction = iota // facing the initiating client
	North                  // facing the configured target
)

func (d Direction) String() string {
	if d == North {
		return "north"
	}
	return "south"
}

// Kind distinguishes a service's own listening/bound socket from a
// per-flow socket.
type Kind int

const (
	KindService Kind = iota // a listener (TCP) or bound socket (UDP)
	KindNormal              // a per-flow socket
)

// Endpoint is one socket plus its outbound queueing state. A NORMAL
// endpoint is owned by exactly one tunnel; its Tunnel and Peer fields
// are non-owning handles (the tunnel is the owner, per SPEC_FULL.md
// §3) kept as `any` here so this package does not import the tunnel
// package that owns it.
type Endpoint struct {
	Protocol Protocol
	Direction Direction
	Kind      Kind
	FD        int
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	Valid       bool // false once scheduled for destruction; checked before any dereference of Tunnel
	StopReceive bool // set when a read path hit arena exhaustion or the peer's queue is over its high mark

	Peer   *Endpoint // NORMAL only, non-owning
	Tunnel any       // NORMAL only, non-owning; concrete type is *tunnel.Tunnel
	Owner  any        // owning service, concrete type is *tcp.Service or *udp.Service

	queueHead, queueTail *arena.Block
	QueuedBytes          int

	highWater int // backpressure high-water mark, in bytes
	lowWater  int // backpressure low-water mark, in bytes

	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64
}

// New creates an Endpoint with the given backpressure watermarks. A
// highWater of 0 disables backpressure (used for SERVICE endpoints,
// which have no send queue discipline of their own beyond the
// reverse-path UDP queue).
func New(proto Protocol, dir Direction, kind Kind, fd int, highWater, lowWater int) *Endpoint {
	return &Endpoint{
		Protocol:  proto,
		Direction: dir,
		Kind:      kind,
		FD:        fd,
		Valid:     true,
		highWater: highWater,
		lowWater:  lowWater,
	}
}

// Empty reports whether the send queue holds no blocks.
func (e *Endpoint) Empty() bool {
	return e.queueHead == nil
}

// Head returns the block at the front of the send queue, or nil.
func (e *Endpoint) Head() *arena.Block {
	return e.queueHead
}

// Enqueue appends b to the tail of the send queue and returns true if
// the queue is now over its high-water mark — the signal for the
// caller to set StopReceive on whichever endpoint's read filled b.
func (e *Endpoint) Enqueue(b *arena.Block) bool {
	b.Prev, b.Next = e.queueTail, nil
	if e.queueTail != nil {
		e.queueTail.Next = b
	} else {
		e.queueHead = b
	}
	e.queueTail = b
	e.QueuedBytes += b.Length - b.Sent

	return e.highWater > 0 && e.QueuedBytes > e.highWater
}

// Advance records that n more bytes of the head block have been sent.
func (e *Endpoint) Advance(n int) {
	e.queueHead.Sent += n
	e.QueuedBytes -= n
}

// ReleaseHead removes a fully-sent head block from the queue and
// returns it for release back to the arena. It is a programming error
// to call this when the head block is not fully sent.
func (e *Endpoint) ReleaseHead() *arena.Block {
	b := e.queueHead
	e.queueHead = b.Next
	if e.queueHead != nil {
		e.queueHead.Prev = nil
	} else {
		e.queueTail = nil
	}
	b.Prev, b.Next = nil, nil
	return b
}

// UnderLowWater reports whether the queue has drained below its
// low-water mark, the signal to resume reads on whichever endpoint
// had StopReceive set because of this queue.
func (e *Endpoint) UnderLowWater() bool {
	return e.lowWater <= 0 || e.QueuedBytes < e.lowWater
}
