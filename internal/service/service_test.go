package service

import (
	"testing"

	"github.com/otterscale/portforwarder/internal/tunnel"
	"github.com/stretchr/testify/assert"
)

func TestPostProcessSetDedupesMembership(t *testing.T) {
	var set PostProcessSet
	tun := tunnel.New()

	set.Add(tun)
	set.Add(tun)

	out := set.Drain()
	assert.Len(t, out, 1)
	assert.False(t, tun.InPostProcessing)
}

func TestPostProcessSetAllowsReAddAfterDrain(t *testing.T) {
	var set PostProcessSet
	tun := tunnel.New()

	set.Add(tun)
	set.Drain()
	set.Add(tun)

	assert.Len(t, set.Drain(), 1)
}

func TestCountersSnapshotResetsCumulativeFields(t *testing.T) {
	var c Counters
	c.ActiveTunnels.Store(3)
	c.BytesSouthToNorth.Store(100)
	c.TimeoutBroken.Store(2)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.ActiveTunnels)
	assert.Equal(t, uint64(100), snap.BytesSouthToNorth)
	assert.Equal(t, uint64(2), snap.TimeoutBroken)

	second := c.Snapshot()
	assert.Equal(t, int64(3), second.ActiveTunnels, "gauge is not reset")
	assert.Equal(t, uint64(0), second.BytesSouthToNorth, "cumulative field resets")
	assert.Equal(t, uint64(0), second.TimeoutBroken, "cumulative field resets")
}
