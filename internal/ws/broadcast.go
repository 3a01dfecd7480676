package ws

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/zerotrust-dash/ztdash/internal/metrics"
)

// Broadcaster delivers events to the registry's connections.
type Broadcaster struct {
	registry *Registry
	log      zerolog.Logger
	stats    *metrics.Collectors
}

func NewBroadcaster(registry *Registry, log zerolog.Logger, stats *metrics.Collectors) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		log:      log,
		stats:    stats,
	}
}

// Broadcast serializes event once and sends it to every connection
// subscribed to channel, or to every connection when channel is empty.
// Connections that are not open are skipped; a connection whose send fails
// is closed and unregistered, and delivery continues with the rest.
// Returns the number of successful deliveries.
func (b *Broadcaster) Broadcast(event any, channel string) int {
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error().Err(err).Str("channel", channel).Msg("broadcast marshal error")
		return 0
	}

	sent := 0
	for _, c := range b.registry.matching(channel) {
		if !c.Transport.Open() {
			continue
		}
		if err := c.Transport.Send(data); err != nil {
			b.drop(c, err)
			continue
		}
		sent++
	}

	label := channel
	if label == "" {
		label = "all"
	}
	b.stats.Deliveries.WithLabelValues(label).Add(float64(sent))
	return sent
}

// SendTo delivers event to a single connection. It reports false when the
// connection is unknown, not open, or its send failed.
func (b *Broadcaster) SendTo(id string, event any) bool {
	c, ok := b.registry.lookup(id)
	if !ok || !c.Transport.Open() {
		return false
	}
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error().Err(err).Str("client_id", id).Msg("marshal error")
		return false
	}
	if err := c.Transport.Send(data); err != nil {
		b.drop(c, err)
		return false
	}
	return true
}

func (b *Broadcaster) drop(c *Connection, err error) {
	b.log.Warn().Err(err).Str("client_id", c.ID).Msg("send failed, dropping connection")
	c.Transport.Close()
	if b.registry.Unregister(c.ID) {
		b.stats.Evictions.WithLabelValues("send_failed").Inc()
	}
}

func (b *Broadcaster) ClientCount() int {
	return b.registry.Len()
}
