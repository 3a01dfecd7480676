package ws

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := newTestRegistry(nil)
	c, _ := addFake(r)

	info, ok := r.Get(c.ID)
	require.True(t, ok)
	assert.Empty(t, info.Channels)
	assert.False(t, info.ConnectedAt.IsZero())
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Unregister(c.ID))
	assert.False(t, r.Unregister(c.ID), "second unregister is a no-op")
	_, ok = r.Get(c.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_AtMostOnePerID(t *testing.T) {
	r := newTestRegistry(nil)
	ft := &fakeTransport{}
	c := NewConnection(ft, "x")
	r.Register(c)
	r.Register(c)
	assert.Equal(t, 1, r.Len())

	ids := map[string]bool{}
	for i := 0; i < 100; i++ {
		c, _ := addFake(r)
		assert.False(t, ids[c.ID], "duplicate id %s", c.ID)
		ids[c.ID] = true
	}
	assert.Equal(t, 101, r.Len())
}

func TestRegistry_UpdateSubscriptions(t *testing.T) {
	r := newTestRegistry(nil)
	c, _ := addFake(r)

	assert.True(t, r.UpdateSubscriptions(c.ID, []string{"alerts", "metrics", "alerts", ""}, OpAdd))
	info, _ := r.Get(c.ID)
	assert.Equal(t, []string{"alerts", "metrics"}, info.Channels)

	assert.True(t, r.UpdateSubscriptions(c.ID, []string{"alerts", "threats"}, OpRemove))
	info, _ = r.Get(c.ID)
	assert.Equal(t, []string{"metrics"}, info.Channels)

	assert.False(t, r.UpdateSubscriptions("gone", []string{"alerts"}, OpAdd))
}

func TestRegistry_TouchUnknown(t *testing.T) {
	r := newTestRegistry(nil)
	assert.False(t, r.Touch("gone"))
}

func TestRegistry_SweepEvictsStale(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)
	threshold := 60 * time.Second

	stale, staleT := addFake(r)
	clock.Advance(45 * time.Second)
	fresh, freshT := addFake(r)
	clock.Advance(20 * time.Second)
	r.Touch(fresh.ID)

	evicted := r.Sweep(threshold)

	assert.Equal(t, []string{stale.ID}, evicted)
	assert.True(t, staleT.isClosed())
	_, ok := r.Get(stale.ID)
	assert.False(t, ok)

	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
	assert.False(t, freshT.isClosed())
	assert.Equal(t, 1, freshT.pings, "surviving connections are probed")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stats.Evictions.WithLabelValues("stale")))
}

func TestRegistry_SweepGraceInterval(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(clock)
	threshold := 60 * time.Second

	c, ft := addFake(r)

	// First sweep: within threshold, probe only.
	clock.Advance(30 * time.Second)
	assert.Empty(t, r.Sweep(threshold))
	assert.Equal(t, 1, ft.pings)

	// Never answered: second sweep is still within threshold.
	clock.Advance(30 * time.Second)
	assert.Empty(t, r.Sweep(threshold))

	// Third sweep is past it.
	clock.Advance(30 * time.Second)
	assert.Equal(t, []string{c.ID}, r.Sweep(threshold))
	assert.True(t, ft.isClosed())
}

func TestRegistry_SweepPingFailureEvicts(t *testing.T) {
	r := newTestRegistry(newTestClock())
	c, ft := addFake(r)
	ft.pingErr = errBrokenPipe

	assert.Equal(t, []string{c.ID}, r.Sweep(time.Minute))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SweepSkipsProbeOnClosedTransport(t *testing.T) {
	r := newTestRegistry(newTestClock())
	_, ft := addFake(r)
	ft.Close()

	assert.Empty(t, r.Sweep(time.Minute))
	assert.Equal(t, 0, ft.pings)
	assert.Equal(t, 1, r.Len(), "left for the read loop or a later sweep")
}

func TestRegistry_ConnectionGauge(t *testing.T) {
	r := newTestRegistry(nil)
	a, _ := addFake(r)
	addFake(r)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.stats.Connections))

	r.Unregister(a.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stats.Connections))

	r.drain()
	assert.Equal(t, 0.0, testutil.ToFloat64(r.stats.Connections))
	assert.Equal(t, 0, r.Len())
}
