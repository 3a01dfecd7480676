package mock

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerotrust-dash/ztdash/internal/config"
	"github.com/zerotrust-dash/ztdash/internal/protocol"
	"github.com/zerotrust-dash/ztdash/internal/scheduler"
	"github.com/zerotrust-dash/ztdash/internal/telemetry"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type published struct {
	event   any
	channel string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	ch     chan published
	panic  string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{ch: make(chan published, 64)}
}

func (p *recordingPublisher) Broadcast(event any, channel string) int {
	if p.panic != "" && p.panic == channel {
		panic("publisher exploded")
	}
	e := published{event: event, channel: channel}
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	select {
	case p.ch <- e:
	default:
	}
	return 1
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

func (p *recordingPublisher) next(t *testing.T) published {
	t.Helper()
	select {
	case e := <-p.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return published{}
	}
}

func newTestGenerator(t *testing.T, pub Publisher, opts ...Option) (*Generator, *telemetry.Store) {
	t.Helper()
	cfg := config.Default().Generator
	store := telemetry.NewStore(cfg.MaxAlerts)
	opts = append([]Option{WithRand(rand.New(rand.NewSource(7))), WithClock(scheduler.NewManualClock(epoch))}, opts...)
	g, err := NewGenerator(cfg, store, pub, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(g.Stop)
	return g, store
}

func TestEmitAlert_ListBoundedNewestFirst(t *testing.T) {
	pub := newRecordingPublisher()
	g, store := newTestGenerator(t, pub)

	var ids []string
	for i := 0; i < 60; i++ {
		ids = append(ids, g.EmitAlert(telemetry.Severity(i%4)).ID)
	}

	alerts := store.Alerts()
	require.Len(t, alerts, telemetry.DefaultMaxAlerts)
	for i, a := range alerts {
		assert.Equal(t, ids[len(ids)-1-i], a.ID, "position %d", i)
	}

	events := pub.all()
	require.Len(t, events, 60)
	for _, e := range events {
		assert.Equal(t, protocol.ChannelAlerts, e.channel)
		msg, ok := e.event.(protocol.NewAlert)
		require.True(t, ok)
		assert.Equal(t, protocol.MsgNewAlert, msg.Type)
	}
}

func TestEmitAlert_Fields(t *testing.T) {
	g, _ := newTestGenerator(t, newRecordingPublisher())

	base := map[telemetry.Severity]int{
		telemetry.Critical: 90,
		telemetry.High:     70,
		telemetry.Medium:   50,
		telemetry.Low:      30,
	}
	for sev, score := range base {
		a := g.EmitAlert(sev)
		assert.Equal(t, sev, a.Type)
		assert.NotEmpty(t, a.ID)
		assert.NotEmpty(t, a.Title)
		assert.NotEmpty(t, a.Description)
		assert.Contains(t, alertSources, a.Source)
		assert.False(t, a.Resolved)
		assert.Equal(t, epoch, a.Timestamp)
		assert.GreaterOrEqual(t, a.Severity, score)
		assert.Less(t, a.Severity, score+10)
	}
}

func TestTickAlerts_Probabilistic(t *testing.T) {
	pub := newRecordingPublisher()
	g, store := newTestGenerator(t, pub)

	const ticks = 400
	for i := 0; i < ticks; i++ {
		require.NoError(t, g.TickNow(context.Background(), TaskAlerts))
	}

	emitted := len(pub.all())
	assert.Greater(t, emitted, 0)
	assert.Less(t, emitted, ticks)
	assert.LessOrEqual(t, len(store.Alerts()), telemetry.DefaultMaxAlerts)
}

func TestAlertInterval_WithinRange(t *testing.T) {
	g, _ := newTestGenerator(t, newRecordingPublisher())
	for i := 0; i < 200; i++ {
		d := g.alertInterval()
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}

func TestTickMetrics_SeedAndBounds(t *testing.T) {
	pub := newRecordingPublisher()
	g, store := newTestGenerator(t, pub)

	require.NoError(t, g.TickNow(context.Background(), TaskMetrics))
	first, ok := store.Metrics()
	require.True(t, ok)
	assert.Contains(t, []int{1247, 1248}, first.ThreatsBlocked)
	assert.InDelta(t, 45, first.CPUUsage, 5)
	assert.InDelta(t, 62, first.MemoryUsage, 4)

	prev := first
	for i := 0; i < 500; i++ {
		require.NoError(t, g.TickNow(context.Background(), TaskMetrics))
		m, _ := store.Metrics()
		assert.GreaterOrEqual(t, m.ThreatsBlocked, prev.ThreatsBlocked)
		assert.LessOrEqual(t, m.ThreatsBlocked, prev.ThreatsBlocked+1)
		assert.True(t, m.CPUUsage >= 0 && m.CPUUsage <= 100, "cpu %v", m.CPUUsage)
		assert.True(t, m.MemoryUsage >= 0 && m.MemoryUsage <= 100, "mem %v", m.MemoryUsage)
		assert.True(t, m.ActiveConnections >= 150 && m.ActiveConnections < 200)
		assert.GreaterOrEqual(t, m.NetworkThroughput, 0)
		assert.GreaterOrEqual(t, m.ResponseTime, 10)
		prev = m
	}

	e := pub.all()[0]
	assert.Equal(t, protocol.ChannelMetrics, e.channel)
	assert.IsType(t, protocol.MetricsUpdate{}, e.event)
}

func TestTickNetwork(t *testing.T) {
	pub := newRecordingPublisher()
	g, store := newTestGenerator(t, pub)

	for i := 0; i < 20; i++ {
		require.NoError(t, g.TickNow(context.Background(), TaskNetwork))
		n, ok := store.NetworkStatus()
		require.True(t, ok)
		require.Len(t, n.Services, len(Services))
		for j, svc := range n.Services {
			assert.Equal(t, Services[j], svc.Name)
			assert.Contains(t, []telemetry.Health{telemetry.Healthy, telemetry.Warning, telemetry.Failing}, svc.Status)
			assert.True(t, svc.ResponseTime >= 10 && svc.ResponseTime < 110)
			assert.True(t, svc.Uptime > 99.4 && svc.Uptime <= 99.9)
		}
		assert.True(t, n.TotalNodes >= 24 && n.TotalNodes < 30)
		assert.True(t, n.ActiveNodes >= 22 && n.ActiveNodes < 26)
	}

	e := pub.all()[0]
	assert.Equal(t, protocol.ChannelNetwork, e.channel)
	assert.IsType(t, protocol.NetworkUpdate{}, e.event)
}

func TestTickThreats_Replaces(t *testing.T) {
	pub := newRecordingPublisher()
	g, store := newTestGenerator(t, pub)

	require.NoError(t, g.TickNow(context.Background(), TaskThreats))
	first := store.Threats()

	require.NoError(t, g.TickNow(context.Background(), TaskThreats))
	second := store.Threats()

	require.True(t, len(second) >= 1 && len(second) <= 5)
	for _, th := range first {
		for _, other := range second {
			assert.NotEqual(t, th.ID, other.ID, "list is replaced, not appended")
		}
	}
	for _, th := range second {
		assert.NotNil(t, net.ParseIP(th.Source), "source %q", th.Source)
		assert.Contains(t, threatTypes, th.Type)
		assert.Contains(t, threatTargets, th.Target)
	}

	events := pub.all()
	require.Len(t, events, 2)
	msg := events[1].event.(protocol.ThreatUpdate)
	assert.Equal(t, protocol.ChannelThreats, events[1].channel)
	assert.Equal(t, second, msg.Threats)
}

func TestGenerator_StartStopStates(t *testing.T) {
	g, _ := newTestGenerator(t, newRecordingPublisher())
	tasks := []string{TaskAlerts, TaskMetrics, TaskNetwork, TaskThreats}

	for _, name := range tasks {
		st, ok := g.State(name)
		require.True(t, ok)
		assert.Equal(t, scheduler.Stopped, st)
	}

	require.NoError(t, g.Start(context.Background()))
	for _, name := range tasks {
		st, _ := g.State(name)
		assert.Equal(t, scheduler.Running, st, name)
	}

	g.Stop()
	for _, name := range tasks {
		st, _ := g.State(name)
		assert.Equal(t, scheduler.Stopped, st, name)
	}
}

func TestGenerator_VirtualTime(t *testing.T) {
	clock := scheduler.NewManualClock(epoch)
	pub := newRecordingPublisher()
	g, _ := newTestGenerator(t, pub, WithClock(clock))

	require.NoError(t, g.Start(context.Background()))
	require.True(t, clock.WaitPending(4, 2*time.Second))

	clock.Advance(2 * time.Second)
	e := pub.next(t)
	assert.Equal(t, protocol.ChannelMetrics, e.channel)

	require.True(t, clock.WaitPending(4, 2*time.Second))
	clock.Advance(time.Second)
	e = pub.next(t)
	assert.Equal(t, protocol.ChannelNetwork, e.channel)
}

func TestGenerator_FailureIsolation(t *testing.T) {
	pub := newRecordingPublisher()
	pub.panic = protocol.ChannelMetrics

	var mu sync.Mutex
	outcomes := map[string][]error{}
	g, _ := newTestGenerator(t, pub, WithObserver(func(task string, err error) {
		mu.Lock()
		outcomes[task] = append(outcomes[task], err)
		mu.Unlock()
	}))

	assert.Error(t, g.TickNow(context.Background(), TaskMetrics))
	assert.NoError(t, g.TickNow(context.Background(), TaskNetwork))
	assert.Error(t, g.TickNow(context.Background(), TaskMetrics), "failing task keeps running")

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, outcomes[TaskMetrics], 2)
	require.Len(t, outcomes[TaskNetwork], 1)
	assert.NoError(t, outcomes[TaskNetwork][0])
}

func TestTickNow_UnknownTask(t *testing.T) {
	g, _ := newTestGenerator(t, newRecordingPublisher())
	assert.ErrorIs(t, g.TickNow(context.Background(), "weather"), scheduler.ErrUnknownTask)
}
