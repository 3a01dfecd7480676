// Package mock synthesizes the dashboard's telemetry. A Generator owns four
// scheduler tasks, one per category, each updating the Store and publishing
// the result on its channel.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zerotrust-dash/ztdash/internal/config"
	"github.com/zerotrust-dash/ztdash/internal/protocol"
	"github.com/zerotrust-dash/ztdash/internal/scheduler"
	"github.com/zerotrust-dash/ztdash/internal/telemetry"
)

// Task names, one per telemetry category.
const (
	TaskAlerts  = "alerts"
	TaskMetrics = "metrics"
	TaskNetwork = "network"
	TaskThreats = "threats"
)

// Publisher delivers an event to the connections subscribed to channel.
type Publisher interface {
	Broadcast(event any, channel string) int
}

type alertKind struct {
	severity     telemetry.Severity
	title        string
	probability  float64
	baseScore    int
	descriptions []string
}

var alertKinds = []alertKind{
	{
		severity: telemetry.Critical, title: "Unauthorized Access Attempt", probability: 0.1, baseScore: 90,
		descriptions: []string{
			"Multiple failed authentication attempts detected from suspicious IP",
			"Potential data exfiltration attempt blocked",
			"Privilege escalation attempt detected",
		},
	},
	{
		severity: telemetry.High, title: "Suspicious Network Activity", probability: 0.2, baseScore: 70,
		descriptions: []string{
			"Unusual network traffic pattern detected",
			"Unauthorized service access attempt",
			"Suspicious file access detected",
		},
	},
	{
		severity: telemetry.Medium, title: "Policy Violation", probability: 0.4, baseScore: 50,
		descriptions: []string{
			"User accessing resources outside normal hours",
			"Unexpected geographic login location",
			"Service configuration change detected",
		},
	},
	{
		severity: telemetry.Low, title: "Unusual Login Pattern", probability: 0.3, baseScore: 30,
		descriptions: []string{
			"New device authentication",
			"Password change notification",
			"Regular security scan completed",
		},
	},
}

var alertSources = []string{
	"firewall-01", "ids-sensor-02", "auth-service", "network-monitor",
	"endpoint-agent", "api-gateway", "load-balancer", "vpn-gateway",
}

// Services lists the nodes reported in every network update.
var Services = []string{"auth-service", "api-gateway", "database", "cache", "monitoring"}

var (
	threatTypes   = []string{"malware", "phishing", "brute_force", "ddos"}
	threatTargets = []string{"web-server", "database", "auth-service", "api-gateway"}
)

// Metric values used before the first metrics tick.
const (
	seedThreatsBlocked = 1247
	seedCPU            = 45.0
	seedMemory         = 62.0
)

type Generator struct {
	cfg   config.GeneratorConfig
	store *telemetry.Store
	pub   Publisher
	log   zerolog.Logger
	clock scheduler.Clock
	sched *scheduler.Scheduler

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*generatorOptions)

type generatorOptions struct {
	clock    scheduler.Clock
	observer scheduler.Observer
	rng      *rand.Rand
}

// WithClock drives both task timers and event timestamps from c.
func WithClock(c scheduler.Clock) Option {
	return func(o *generatorOptions) { o.clock = c }
}

// WithObserver reports every tick outcome, typically to metrics.
func WithObserver(fn scheduler.Observer) Option {
	return func(o *generatorOptions) { o.observer = fn }
}

// WithRand makes the generated data reproducible.
func WithRand(r *rand.Rand) Option {
	return func(o *generatorOptions) { o.rng = r }
}

func NewGenerator(cfg config.GeneratorConfig, store *telemetry.Store, pub Publisher, log zerolog.Logger, opts ...Option) (*Generator, error) {
	o := generatorOptions{clock: scheduler.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	schedOpts := []scheduler.Option{scheduler.WithClock(o.clock)}
	if o.observer != nil {
		schedOpts = append(schedOpts, scheduler.WithObserver(o.observer))
	}

	g := &Generator{
		cfg:   cfg,
		store: store,
		pub:   pub,
		log:   log,
		clock: o.clock,
		sched: scheduler.New(log, schedOpts...),
		rng:   o.rng,
	}

	tasks := []scheduler.Task{
		{Name: TaskAlerts, Interval: g.alertInterval, Run: g.tickAlerts},
		{Name: TaskMetrics, Interval: scheduler.Every(cfg.MetricsInterval), Run: g.tickMetrics},
		{Name: TaskNetwork, Interval: scheduler.Every(cfg.NetworkInterval), Run: g.tickNetwork},
		{Name: TaskThreats, Interval: scheduler.Every(cfg.ThreatsInterval), Run: g.tickThreats},
	}
	for _, t := range tasks {
		if err := g.sched.Add(t); err != nil {
			return nil, fmt.Errorf("register %s task: %w", t.Name, err)
		}
	}
	return g, nil
}

func (g *Generator) Start(ctx context.Context) error {
	if err := g.sched.Start(ctx); err != nil {
		return err
	}
	g.log.Info().Strs("tasks", g.sched.Names()).Msg("telemetry generation started")
	return nil
}

// Stop cancels all four tasks and waits for in-flight ticks.
func (g *Generator) Stop() {
	g.sched.Stop()
}

func (g *Generator) State(task string) (scheduler.State, bool) {
	return g.sched.State(task)
}

// TickNow runs one tick of the named task immediately.
func (g *Generator) TickNow(ctx context.Context, task string) error {
	return g.sched.RunNow(ctx, task)
}

// EmitAlert unconditionally creates an alert of the given severity, stores it
// and publishes it on the alerts channel.
func (g *Generator) EmitAlert(sev telemetry.Severity) telemetry.Alert {
	kind := alertKinds[0]
	for _, k := range alertKinds {
		if k.severity == sev {
			kind = k
			break
		}
	}
	return g.emitAlert(kind)
}

func (g *Generator) emitAlert(kind alertKind) telemetry.Alert {
	g.mu.Lock()
	alert := telemetry.Alert{
		ID:          uuid.NewString(),
		Type:        kind.severity,
		Title:       kind.title,
		Description: kind.descriptions[g.rng.Intn(len(kind.descriptions))],
		Timestamp:   g.clock.Now(),
		Source:      alertSources[g.rng.Intn(len(alertSources))],
		Resolved:    false,
		Severity:    kind.baseScore + g.rng.Intn(10),
	}
	g.mu.Unlock()

	g.store.PushAlert(alert)
	n := g.pub.Broadcast(protocol.NewAlert{
		Type:      protocol.MsgNewAlert,
		Alert:     alert,
		Timestamp: alert.Timestamp,
	}, protocol.ChannelAlerts)

	g.log.Info().Str("severity", alert.Type.String()).Str("title", alert.Title).Int("delivered", n).Msg("generated alert")
	return alert
}

// alertInterval picks the next alert delay uniformly from the configured range.
func (g *Generator) alertInterval() time.Duration {
	lo, hi := g.cfg.AlertMinInterval, g.cfg.AlertMaxInterval
	if hi <= lo {
		return lo
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return lo + time.Duration(g.rng.Int63n(int64(hi-lo)+1))
}

// tickAlerts picks a category at random and emits it with that category's
// probability, so most ticks produce nothing.
func (g *Generator) tickAlerts(context.Context) error {
	g.mu.Lock()
	kind := alertKinds[g.rng.Intn(len(alertKinds))]
	emit := g.rng.Float64() < kind.probability
	g.mu.Unlock()

	if emit {
		g.emitAlert(kind)
	}
	return nil
}

func (g *Generator) tickMetrics(context.Context) error {
	prev, ok := g.store.Metrics()
	if !ok {
		prev = telemetry.Metrics{
			ThreatsBlocked: seedThreatsBlocked,
			CPUUsage:       seedCPU,
			MemoryUsage:    seedMemory,
		}
	}

	g.mu.Lock()
	m := telemetry.Metrics{
		ThreatsBlocked:    prev.ThreatsBlocked,
		ActiveConnections: 150 + g.rng.Intn(50),
		CPUUsage:          clamp(prev.CPUUsage+(g.rng.Float64()-0.5)*10, 0, 100),
		MemoryUsage:       clamp(prev.MemoryUsage+(g.rng.Float64()-0.5)*8, 0, 100),
		NetworkThroughput: max(0, 850+int(math.Floor((g.rng.Float64()-0.5)*200))),
		ResponseTime:      max(10, 45+int(math.Floor((g.rng.Float64()-0.5)*20))),
		Timestamp:         g.clock.Now(),
	}
	if g.rng.Float64() < 0.1 {
		m.ThreatsBlocked++
	}
	g.mu.Unlock()

	g.store.SetMetrics(m)
	g.pub.Broadcast(protocol.MetricsUpdate{Type: protocol.MsgMetricsUpdate, Metrics: m}, protocol.ChannelMetrics)
	return nil
}

func (g *Generator) tickNetwork(context.Context) error {
	g.mu.Lock()
	services := make([]telemetry.ServiceStatus, len(Services))
	for i, name := range Services {
		services[i] = telemetry.ServiceStatus{
			Name:         name,
			Status:       telemetry.Health(g.rng.Intn(3)),
			ResponseTime: 10 + g.rng.Intn(100),
			Uptime:       99.9 - g.rng.Float64()*0.5,
		}
	}
	n := telemetry.NetworkStatus{
		Services:    services,
		TotalNodes:  24 + g.rng.Intn(6),
		ActiveNodes: 22 + g.rng.Intn(4),
		Timestamp:   g.clock.Now(),
	}
	g.mu.Unlock()

	g.store.SetNetworkStatus(n)
	g.pub.Broadcast(protocol.NetworkUpdate{Type: protocol.MsgNetworkUpdate, NetworkStatus: n}, protocol.ChannelNetwork)
	return nil
}

func (g *Generator) tickThreats(context.Context) error {
	g.mu.Lock()
	now := g.clock.Now()
	threats := make([]telemetry.Threat, 1+g.rng.Intn(5))
	for i := range threats {
		threats[i] = telemetry.Threat{
			ID:   uuid.NewString(),
			Type: threatTypes[g.rng.Intn(len(threatTypes))],
			Source: fmt.Sprintf("%d.%d.%d.%d",
				g.rng.Intn(255), g.rng.Intn(255), g.rng.Intn(255), g.rng.Intn(255)),
			Target:    threatTargets[g.rng.Intn(len(threatTargets))],
			Severity:  telemetry.Severity(g.rng.Intn(4)),
			Timestamp: now,
			Blocked:   g.rng.Float64() > 0.2,
		}
	}
	g.mu.Unlock()

	g.store.SetThreats(threats)
	g.pub.Broadcast(protocol.ThreatUpdate{Type: protocol.MsgThreatUpdate, Threats: threats}, protocol.ChannelThreats)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
