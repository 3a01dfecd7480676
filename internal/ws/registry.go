package ws

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zerotrust-dash/ztdash/internal/metrics"
)

// SubscriptionOp selects whether UpdateSubscriptions adds or removes channels.
type SubscriptionOp int

const (
	OpAdd SubscriptionOp = iota
	OpRemove
)

// Connection is one client session. Its mutable fields are owned by the
// Registry and only touched under the registry lock.
type Connection struct {
	ID          string
	Transport   Transport
	RemoteAddr  string
	ConnectedAt time.Time

	subs     map[string]struct{}
	lastSeen time.Time
}

// NewConnection wraps t with a fresh unique id.
func NewConnection(t Transport, remoteAddr string) *Connection {
	return &Connection{
		ID:         uuid.NewString(),
		Transport:  t,
		RemoteAddr: remoteAddr,
	}
}

// ConnectionInfo is a read-only copy of a Connection's state.
type ConnectionInfo struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
	LastSeen    time.Time
	Channels    []string
}

// Registry tracks live connections and their subscriptions. Lookups and
// mutations on unknown ids are normal outcomes and report false rather than
// failing: a client can disconnect at any point during server bookkeeping.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	now   func() time.Time
	log   zerolog.Logger
	stats *metrics.Collectors
}

func NewRegistry(now func() time.Time, log zerolog.Logger, stats *metrics.Collectors) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conns: make(map[string]*Connection),
		now:   now,
		log:   log,
		stats: stats,
	}
}

// Register adds c with no subscriptions and a fresh liveness timestamp.
func (r *Registry) Register(c *Connection) {
	now := r.now()
	c.subs = make(map[string]struct{})
	c.lastSeen = now
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = now
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()

	r.stats.Connections.Set(float64(n))
}

// Unregister removes the connection if present and reports whether it was.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.stats.Connections.Set(float64(n))
	}
	return ok
}

func (r *Registry) UpdateSubscriptions(id string, channels []string, op SubscriptionOp) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if op == OpAdd {
			c.subs[ch] = struct{}{}
		} else {
			delete(c.subs, ch)
		}
	}
	return true
}

// Touch records a liveness response for id.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.lastSeen = r.now()
	return true
}

func (r *Registry) Get(id string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sweep closes and removes every connection silent for longer than
// threshold, and pings the rest. A connection that never answers is
// therefore evicted on the following sweep. Returns the evicted ids.
func (r *Registry) Sweep(threshold time.Duration) []string {
	now := r.now()

	var stale, live []*Connection
	r.mu.RLock()
	for _, c := range r.conns {
		if now.Sub(c.lastSeen) > threshold {
			stale = append(stale, c)
		} else {
			live = append(live, c)
		}
	}
	r.mu.RUnlock()

	var evicted []string
	for _, c := range stale {
		r.log.Info().Str("client_id", c.ID).Str("remote", c.RemoteAddr).Msg("evicting stale connection")
		c.Transport.Close()
		if r.Unregister(c.ID) {
			r.stats.Evictions.WithLabelValues("stale").Inc()
			evicted = append(evicted, c.ID)
		}
	}
	for _, c := range live {
		if !c.Transport.Open() {
			continue
		}
		if err := c.Transport.Ping(); err != nil {
			r.log.Warn().Err(err).Str("client_id", c.ID).Msg("liveness probe failed")
			c.Transport.Close()
			if r.Unregister(c.ID) {
				r.stats.Evictions.WithLabelValues("ping_failed").Inc()
				evicted = append(evicted, c.ID)
			}
		}
	}
	return evicted
}

// matching returns the connections a broadcast on channel should reach.
// An empty channel matches every connection.
func (r *Registry) matching(channel string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if channel != "" {
			if _, ok := c.subs[channel]; !ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func (r *Registry) lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// drain removes and returns every connection.
func (r *Registry) drain() []*Connection {
	r.mu.Lock()
	out := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()
	r.stats.Connections.Set(0)
	return out
}

func (c *Connection) info() ConnectionInfo {
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return ConnectionInfo{
		ID:          c.ID,
		RemoteAddr:  c.RemoteAddr,
		ConnectedAt: c.ConnectedAt,
		LastSeen:    c.lastSeen,
		Channels:    channels,
	}
}
