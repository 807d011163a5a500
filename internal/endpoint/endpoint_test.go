package endpoint

import (
	"testing"

	"github.com/otterscale/portforwarder/internal/arena"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitN(t *testing.T, a *arena.Arena, n int) *arena.Block {
	t.Helper()
	buf, err := a.Reserve(n)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(buf), n)
	b, err := a.Commit(n)
	require.NoError(t, err)
	b.Length = n
	return b
}

func TestNewEndpointDefaults(t *testing.T) {
	e := New(TCP, South, KindNormal, 7, 1024, 256)
	assert.Equal(t, TCP, e.Protocol)
	assert.Equal(t, South, e.Direction)
	assert.Equal(t, KindNormal, e.Kind)
	assert.Equal(t, 7, e.FD)
	assert.True(t, e.Valid)
	assert.True(t, e.Empty())
	assert.Nil(t, e.Head())
}

func TestEnqueueTracksQueuedBytes(t *testing.T) {
	a, err := arena.New(4096)
	require.NoError(t, err)
	e := New(TCP, North, KindNormal, 1, 0, 0)

	b1 := commitN(t, a, 100)
	over := e.Enqueue(b1)
	assert.False(t, over)
	assert.Equal(t, 100, e.QueuedBytes)
	assert.False(t, e.Empty())
	assert.Equal(t, b1, e.Head())
}

func TestEnqueueSignalsHighWater(t *testing.T) {
	a, err := arena.New(4096)
	require.NoError(t, err)
	e := New(TCP, North, KindNormal, 1, 150, 50)

	b1 := commitN(t, a, 100)
	assert.False(t, e.Enqueue(b1))

	b2 := commitN(t, a, 100)
	assert.True(t, e.Enqueue(b2))
	assert.Equal(t, 200, e.QueuedBytes)
}

func TestAdvanceAndReleaseHead(t *testing.T) {
	a, err := arena.New(4096)
	require.NoError(t, err)
	e := New(TCP, North, KindNormal, 1, 0, 0)

	b1 := commitN(t, a, 100)
	e.Enqueue(b1)

	e.Advance(40)
	assert.Equal(t, 60, e.QueuedBytes)
	assert.Equal(t, 40, b1.Sent)

	e.Advance(60)
	assert.Equal(t, 0, e.QueuedBytes)

	released := e.ReleaseHead()
	assert.Equal(t, b1, released)
	assert.True(t, e.Empty())
	assert.Nil(t, e.Head())
}

func TestReleaseHeadAdvancesQueue(t *testing.T) {
	a, err := arena.New(4096)
	require.NoError(t, err)
	e := New(TCP, North, KindNormal, 1, 0, 0)

	b1 := commitN(t, a, 50)
	b2 := commitN(t, a, 60)
	e.Enqueue(b1)
	e.Enqueue(b2)

	e.Advance(50)
	released := e.ReleaseHead()
	assert.Equal(t, b1, released)
	assert.Equal(t, b2, e.Head())
	assert.Nil(t, b2.Prev)
}

func TestUnderLowWater(t *testing.T) {
	a, err := arena.New(4096)
	require.NoError(t, err)
	e := New(TCP, North, KindNormal, 1, 150, 50)

	b1 := commitN(t, a, 100)
	e.Enqueue(b1)
	assert.False(t, e.UnderLowWater())

	e.Advance(60)
	assert.True(t, e.UnderLowWater())
}

func TestUnderLowWaterDisabledWhenZero(t *testing.T) {
	e := New(TCP, North, KindNormal, 1, 0, 0)
	assert.True(t, e.UnderLowWater())
}

func TestDirectionAndProtocolStrings(t *testing.T) {
	assert.Equal(t, "tcp", TCP.String())
	assert.Equal(t, "udp", UDP.String())
	assert.Equal(t, "north", North.String())
	assert.Equal(t, "south", South.String())
}
