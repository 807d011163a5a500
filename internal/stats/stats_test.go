package stats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/otterscale/portforwarder/internal/arena"
	"github.com/otterscale/portforwarder/internal/service"
)

func gatherValue(t *testing.T, r *Reporter, family string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != family {
			continue
		}
		for _, m := range f.GetMetric() {
			match := true
			for k, v := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
						break
					}
				}
				if !found {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.Counter.GetValue()
			case m.Gauge != nil:
				return m.Gauge.GetValue()
			}
		}
	}
	t.Fatalf("metric family %q with labels %v not found", family, labels)
	return 0
}

func TestSampleEmitsCumulativeCounters(t *testing.T) {
	a, err := arena.New(4096)
	require.NoError(t, err)

	counters := &service.Counters{}
	counters.BytesSouthToNorth.Store(100)
	counters.ActiveTunnels.Store(2)

	r, err := New(a, []Source{{Name: "svc-a", Counters: counters}}, 0)
	require.NoError(t, err)

	r.sample()
	require.InEpsilon(t, 100, gatherValue(t, r, "forwarder_bytes_south_to_north_total", map[string]string{"service": "svc-a"}), 0.001)
	require.InEpsilon(t, 2, gatherValue(t, r, "forwarder_active_tunnels", map[string]string{"service": "svc-a"}), 0.001)

	// A second sample with no new activity must not add further bytes
	// (the per-service Counters reset after each snapshot) but the
	// counter itself must not go backwards.
	r.sample()
	require.InEpsilon(t, 100, gatherValue(t, r, "forwarder_bytes_south_to_north_total", map[string]string{"service": "svc-a"}), 0.001)
}

func TestSampleReadsArenaUsage(t *testing.T) {
	a, err := arena.New(4096)
	require.NoError(t, err)
	buf, err := a.Reserve(200)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(buf), 200)
	_, err = a.Commit(200)
	require.NoError(t, err)

	r, err := New(a, nil, 0)
	require.NoError(t, err)

	require.InEpsilon(t, 200, gatherValue(t, r, "forwarder_arena_in_use_bytes", nil), 0.001)
}

func TestMetricsFamiliesAreNamed(t *testing.T) {
	a, err := arena.New(4096)
	require.NoError(t, err)
	r, err := New(a, nil, 0)
	require.NoError(t, err)

	families, err := r.Registry().Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	require.Contains(t, joined, "forwarder_active_tunnels")
	require.Contains(t, joined, "forwarder_arena_in_use_bytes")
}
