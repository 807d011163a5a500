package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserveCommit(t *testing.T, a *Arena, n int) *Block {
	t.Helper()
	view, err := a.Reserve(n)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(view), n)
	b, err := a.Commit(n)
	require.NoError(t, err)
	return b
}

func TestReserveCommitWritesPayload(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)

	view, err := a.Reserve(64)
	require.NoError(t, err)
	copy(view, []byte("PING\n"))

	b, err := a.Commit(5)
	require.NoError(t, err)
	assert.Equal(t, "PING\n", string(b.Payload()))
	assert.Equal(t, 0, b.Sent)
}

func TestCommitSplitsResidue(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)

	// A 64-byte commit still occupies a MinBlock-sized block.
	b := reserveCommit(t, a, 64)
	inUse, free, blocks := a.Usage()
	assert.Equal(t, MinBlock, inUse)
	assert.Equal(t, 4096-MinBlock, free)
	assert.Equal(t, 1, blocks)

	a.Release(b)
	inUse, free, blocks = a.Usage()
	assert.Equal(t, 0, inUse)
	assert.Equal(t, 4096, free)
	assert.Equal(t, 0, blocks)
}

func TestCommitAbsorbsSmallResidue(t *testing.T) {
	a, err := New(256)
	require.NoError(t, err)

	// Residue of 256-200=56 bytes is below MinBlock(128) and must be
	// absorbed into the allocated block rather than split off.
	view, err := a.Reserve(200)
	require.NoError(t, err)
	require.Len(t, view, 256)

	b, err := a.Commit(200)
	require.NoError(t, err)
	assert.Equal(t, 256, b.Capacity())
}

func TestOutOfMemory(t *testing.T) {
	a, err := New(256)
	require.NoError(t, err)

	_, err = a.Reserve(200)
	require.NoError(t, err)
	_, err = a.Commit(200)
	require.NoError(t, err)

	_, err = a.Reserve(200)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestReleaseCoalescesNeighbors(t *testing.T) {
	a, err := New(1024)
	require.NoError(t, err)

	b1 := reserveCommit(t, a, 200)
	b2 := reserveCommit(t, a, 200)
	b3 := reserveCommit(t, a, 200)

	a.Release(b1)
	a.Release(b3)
	a.Release(b2) // merges all three back into one free block

	inUse, free, blocks := a.Usage()
	assert.Equal(t, 0, inUse)
	assert.Equal(t, 1024, free)
	assert.Equal(t, 0, blocks)

	// Arena must still be fully usable after full coalescing.
	big := reserveCommit(t, a, 1024)
	assert.Equal(t, 1024, big.Capacity())
}

func TestNoAdjacentFreeBlocksAfterRelease(t *testing.T) {
	a, err := New(1024)
	require.NoError(t, err)

	b1 := reserveCommit(t, a, 100)
	b2 := reserveCommit(t, a, 100)
	// Fill the rest of the arena so the only free space is what b1 and
	// b2 give back.
	_ = reserveCommit(t, a, 1024-2*MinBlock)

	a.Release(b1)
	a.Release(b2)

	// After releasing two adjacent blocks (each MinBlock bytes), exactly
	// one free region should remain reachable via the hint at the
	// merged size.
	view, err := a.Reserve(200)
	require.NoError(t, err)
	assert.Len(t, view, 2*MinBlock)
	_, err = a.Commit(200)
	require.NoError(t, err)
}

func TestCapacityBelowMinBlockRejected(t *testing.T) {
	_, err := New(MinBlock - 1)
	require.Error(t, err)
}

func TestPendingReservationMustCommitFirst(t *testing.T) {
	a, err := New(1024)
	require.NoError(t, err)

	_, err = a.Reserve(64)
	require.NoError(t, err)

	_, err = a.Reserve(64)
	assert.Error(t, err)
}
