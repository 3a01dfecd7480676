package ws

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerotrust-dash/ztdash/internal/protocol"
)

func newTestBroadcaster(r *Registry) *Broadcaster {
	return NewBroadcaster(r, zerolog.Nop(), r.stats)
}

func TestBroadcast_ChannelFilter(t *testing.T) {
	r := newTestRegistry(nil)
	b := newTestBroadcaster(r)

	_, alerts := addFake(r, "alerts")
	_, metricsOnly := addFake(r, "metrics")
	_, both := addFake(r, "alerts", "metrics")
	_, none := addFake(r)

	sent := b.Broadcast(protocol.Pong{Type: protocol.MsgPong}, "alerts")
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, alerts.count())
	assert.Equal(t, 0, metricsOnly.count())
	assert.Equal(t, 1, both.count())
	assert.Equal(t, 0, none.count())

	sent = b.Broadcast(protocol.Pong{Type: protocol.MsgPong}, "")
	assert.Equal(t, 4, sent, "no channel reaches everyone")
	assert.Equal(t, 1, none.count())

	assert.Equal(t, 2.0, testutil.ToFloat64(r.stats.Deliveries.WithLabelValues("alerts")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.stats.Deliveries.WithLabelValues("all")))
}

func TestBroadcast_SerializesOnce(t *testing.T) {
	r := newTestRegistry(nil)
	b := newTestBroadcaster(r)
	_, a := addFake(r)
	_, c := addFake(r)

	b.Broadcast(protocol.MetricsUpdate{Type: protocol.MsgMetricsUpdate}, "")

	require.Equal(t, 1, a.count())
	require.Equal(t, 1, c.count())
	assert.Same(t, &a.frames[0][0], &c.frames[0][0], "recipients share one payload")

	var m map[string]any
	require.NoError(t, json.Unmarshal(a.frames[0], &m))
	assert.Equal(t, "metrics_update", m["type"])
}

func TestBroadcast_DeadConnectionIsolation(t *testing.T) {
	r := newTestRegistry(nil)
	b := newTestBroadcaster(r)

	var healthy []*fakeTransport
	for i := 0; i < 4; i++ {
		_, ft := addFake(r, "threats")
		healthy = append(healthy, ft)
	}
	bad, badT := addFake(r, "threats")
	badT.sendErr = errBrokenPipe

	sent := b.Broadcast(protocol.ThreatUpdate{Type: protocol.MsgThreatUpdate}, "threats")

	assert.Equal(t, 4, sent)
	for i, ft := range healthy {
		assert.Equal(t, 1, ft.count(), "healthy[%d]", i)
	}
	_, ok := r.Get(bad.ID)
	assert.False(t, ok, "failing connection is removed immediately")
	assert.True(t, badT.isClosed())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stats.Evictions.WithLabelValues("send_failed")))
}

func TestBroadcast_SlowConsumerDropped(t *testing.T) {
	r := newTestRegistry(nil)
	b := newTestBroadcaster(r)
	slow, slowT := addFake(r)
	slowT.sendErr = ErrSlowConsumer

	assert.Equal(t, 0, b.Broadcast(protocol.Pong{Type: protocol.MsgPong}, ""))
	_, ok := r.Get(slow.ID)
	assert.False(t, ok)
}

func TestBroadcast_SkipsClosingTransport(t *testing.T) {
	r := newTestRegistry(nil)
	b := newTestBroadcaster(r)
	closing, ct := addFake(r)
	ct.Close()

	assert.Equal(t, 0, b.Broadcast(protocol.Pong{Type: protocol.MsgPong}, ""))
	_, ok := r.Get(closing.ID)
	assert.True(t, ok, "not-open connections are left for the sweep")
}

func TestBroadcast_MarshalError(t *testing.T) {
	r := newTestRegistry(nil)
	b := newTestBroadcaster(r)
	_, ft := addFake(r)

	assert.Equal(t, 0, b.Broadcast(math.Inf(1), ""))
	assert.Equal(t, 0, ft.count())
}

func TestBroadcast_PerConnectionOrder(t *testing.T) {
	r := newTestRegistry(nil)
	b := newTestBroadcaster(r)
	_, ft := addFake(r, "metrics")

	for i := 0; i < 10; i++ {
		b.Broadcast(map[string]int{"seq": i}, "metrics")
	}
	require.Equal(t, 10, ft.count())
	for i, frame := range ft.frames {
		var m map[string]int
		require.NoError(t, json.Unmarshal(frame, &m))
		assert.Equal(t, i, m["seq"])
	}
}

func TestSendTo(t *testing.T) {
	r := newTestRegistry(nil)
	b := newTestBroadcaster(r)
	c, ft := addFake(r)

	assert.True(t, b.SendTo(c.ID, protocol.Pong{Type: protocol.MsgPong}))
	assert.Equal(t, 1, ft.count())
	assert.False(t, b.SendTo("unknown", protocol.Pong{Type: protocol.MsgPong}))

	ft.sendErr = errBrokenPipe
	assert.False(t, b.SendTo(c.ID, protocol.Pong{Type: protocol.MsgPong}))
	assert.Equal(t, 0, b.ClientCount())
}
