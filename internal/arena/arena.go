// Package arena implements the packet-buffer allocator that backs
// zero-copy send-queue blocks for every tunnel in a service. A single
// Arena is shared by every service; it is only ever touched from the
// reactor goroutine, so it needs no locking.
package arena

import (
	"errors"
	"fmt"
	"net"
)

// ErrOutOfMemory is returned by Reserve when no free block of
// adequate size exists. Callers on the read path must treat this as
// recoverable: stop draining the socket and wait for a release.
var ErrOutOfMemory = errors.New("arena: out of memory")

// MinBlock is the smallest payload capacity a block may have. A split
// that would leave a residue smaller than MinBlock instead folds the
// residue into the allocated block.
const MinBlock = 128

// Block is a variable-sized region carved from an Arena. It is either
// free (arena-internal bookkeeping only) or owned by exactly one
// Endpoint, which links Blocks into its send queue via Prev/Next.
//
// Invariant: Sent <= Length <= cap(Payload()).
type Block struct {
	// arena-internal bookkeeping; never touched outside this package.
	offset      int
	siblingPrev int // offset of the previous block in address order, -1 if none
	siblingNext int // offset of the next block in address order, -1 if none
	free        bool
	view        []byte // the block's full backing region, len==cap==capacity

	// payload-view fields, meaningful only while the block is owned.
	Length int          // bytes committed (written)
	Sent   int          // bytes already sent to the peer
	Dest   *net.UDPAddr // destination label, UDP only

	// Prev/Next link this block into exactly one endpoint's send
	// queue. Owned exclusively by that endpoint; the arena never
	// reads or writes them.
	Prev *Block
	Next *Block
}

// Payload returns the committed bytes of this block (Length bytes).
func (b *Block) Payload() []byte {
	return b.view[:b.Length]
}

// Remaining returns the not-yet-sent tail of the payload.
func (b *Block) Remaining() []byte {
	return b.view[b.Sent:b.Length]
}

// Capacity returns the block's total payload capacity.
func (b *Block) Capacity() int {
	return len(b.view)
}

// Arena is a fixed-capacity contiguous region partitioned into a
// doubly-linked list of variable-sized blocks, addressed by offset
// rather than pointer so the allocator stays free of raw aliasing.
type Arena struct {
	buf      []byte
	blocks   map[int]*Block // offset -> block, covers the whole partition
	freeHint int             // offset of a free block, -1 if arena is full
	pending  int             // offset reserved but not yet committed, -1 if none

	// usage counters, read by the statistics reporter from another
	// goroutine; kept exact by every Reserve/Commit/Release call.
	inUseBytes  int
	freeBytes   int
	inUseBlocks int
}

// New creates an Arena over a freshly allocated buffer of the given
// capacity. capacity must be at least MinBlock.
func New(capacity int) (*Arena, error) {
	if capacity < MinBlock {
		return nil, fmt.Errorf("arena: capacity %d below MinBlock %d", capacity, MinBlock)
	}
	buf := make([]byte, capacity)
	root := &Block{
		offset:      0,
		siblingPrev: -1,
		siblingNext: -1,
		free:        true,
		view:        buf[0:capacity],
	}
	a := &Arena{
		buf:       buf,
		blocks:    map[int]*Block{0: root},
		freeHint:  0,
		pending:   -1,
		freeBytes: capacity,
	}
	return a, nil
}

// Capacity returns the total backing size of the arena.
func (a *Arena) Capacity() int {
	return len(a.buf)
}

// Usage reports the current in-use bytes, free bytes, and in-use
// block count, for the statistics reporter.
func (a *Arena) Usage() (inUseBytes, freeBytes, inUseBlocks int) {
	return a.inUseBytes, a.freeBytes, a.inUseBlocks
}

// Reserve returns a writable view into the current free-hint block
// whose payload capacity is at least hint bytes, or ErrOutOfMemory.
// It does not consume space; call Commit to finalize the allocation.
// Only one reservation may be outstanding at a time.
func (a *Arena) Reserve(hint int) ([]byte, error) {
	if hint < 1 {
		hint = 1
	}
	if a.pending != -1 {
		return nil, errors.New("arena: reserve called with a pending reservation")
	}
	off, err := a.findFree(hint)
	if err != nil {
		return nil, err
	}
	a.pending = off
	return a.blocks[off].view, nil
}

// Commit converts the most recent Reserve into an owned block of
// payload length n, splitting the remaining tail into a new free
// block iff the residue is at least MinBlock. The owned block keeps at
// least MinBlock bytes of capacity even when n is smaller.
func (a *Arena) Commit(n int) (*Block, error) {
	if a.pending == -1 {
		return nil, errors.New("arena: commit without a pending reservation")
	}
	off := a.pending
	a.pending = -1

	b := a.blocks[off]
	if n < 0 || n > len(b.view) {
		return nil, fmt.Errorf("arena: commit length %d out of range [0,%d]", n, len(b.view))
	}

	size := n
	if size < MinBlock {
		size = MinBlock
	}
	residue := len(b.view) - size
	searchStart := b.siblingNext
	if residue >= MinBlock {
		splitOff := off + size
		split := &Block{
			offset:      splitOff,
			siblingPrev: off,
			siblingNext: b.siblingNext,
			free:        true,
			view:        a.buf[splitOff : splitOff+residue],
		}
		if b.siblingNext != -1 {
			a.blocks[b.siblingNext].siblingPrev = splitOff
		}
		b.siblingNext = splitOff
		b.view = b.view[:size]
		a.blocks[splitOff] = split
		searchStart = splitOff
	}

	b.free = false
	b.Length = n
	b.Sent = 0
	b.Dest = nil
	b.Prev, b.Next = nil, nil

	a.inUseBytes += len(b.view)
	a.freeBytes -= len(b.view)
	a.inUseBlocks++

	a.freeHint = a.findFreeHint(searchStart, off)
	return b, nil
}

// Release marks block free, coalesces with its siblings, and adjusts
// the free hint so it always points at a free block.
func (a *Arena) Release(block *Block) {
	off := block.offset
	b := a.blocks[off]

	a.inUseBytes -= len(b.view)
	a.freeBytes += len(b.view)
	a.inUseBlocks--

	b.free = true
	b.Length = 0
	b.Sent = 0
	b.Dest = nil
	b.Prev, b.Next = nil, nil

	displaced := a.freeHint == off

	// Coalesce with the previous sibling iff free.
	if b.siblingPrev != -1 {
		if p := a.blocks[b.siblingPrev]; p.free {
			if a.freeHint == off {
				displaced = true
			}
			p.siblingNext = b.siblingNext
			if b.siblingNext != -1 {
				a.blocks[b.siblingNext].siblingPrev = b.siblingPrev
			}
			p.view = a.buf[p.offset : p.offset+len(p.view)+len(b.view)]
			delete(a.blocks, off)
			off = p.offset
			b = p
		}
	}

	// Coalesce with the next sibling iff free.
	if b.siblingNext != -1 {
		if n := a.blocks[b.siblingNext]; n.free {
			if a.freeHint == b.siblingNext {
				displaced = true
			}
			nextOff := b.siblingNext
			b.siblingNext = n.siblingNext
			if n.siblingNext != -1 {
				a.blocks[n.siblingNext].siblingPrev = off
			}
			b.view = a.buf[off : off+len(b.view)+len(n.view)]
			delete(a.blocks, nextOff)
		}
	}

	if displaced || a.freeHint == -1 {
		a.freeHint = off
	}
}

// findFree searches from the free hint forward, then from the arena
// head up to (but not including) the hint, for the first free block
// with capacity >= minSize.
func (a *Arena) findFree(minSize int) (int, error) {
	if a.freeHint == -1 {
		return -1, ErrOutOfMemory
	}
	start := a.freeHint

	off := start
	for off != -1 {
		b := a.blocks[off]
		if b.free && len(b.view) >= minSize {
			return off, nil
		}
		off = b.siblingNext
	}

	off = 0
	for off != -1 && off != start {
		b := a.blocks[off]
		if b.free && len(b.view) >= minSize {
			return off, nil
		}
		off = b.siblingNext
	}

	return -1, ErrOutOfMemory
}

// findFreeHint locates the next free block after a Commit: first
// searching forward from searchStart, then from the arena head up to
// (not including) oldHint. Returns -1 if no free block remains.
func (a *Arena) findFreeHint(searchStart, oldHint int) int {
	off := searchStart
	for off != -1 {
		b := a.blocks[off]
		if b.free {
			return off
		}
		off = b.siblingNext
	}

	off = 0
	for off != -1 && off != oldHint {
		b := a.blocks[off]
		if b.free {
			return off
		}
		off = b.siblingNext
	}

	return -1
}
