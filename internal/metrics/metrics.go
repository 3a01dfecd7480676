// Package metrics holds the Prometheus collectors for the broadcaster and
// the telemetry generator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collectors struct {
	registry *prometheus.Registry

	Connections    prometheus.Gauge
	Deliveries     *prometheus.CounterVec
	Evictions      *prometheus.CounterVec
	Inbound        *prometheus.CounterVec
	GeneratorTicks *prometheus.CounterVec
}

// New registers every collector on a fresh registry, so several servers can
// live in one process (tests do this).
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collectors{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ztdash_ws_connections",
			Help: "Live WebSocket connections in the registry",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ztdash_ws_deliveries_total",
			Help: "Broadcast frames handed to connections, by channel",
		}, []string{"channel"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ztdash_ws_evictions_total",
			Help: "Connections removed by the server, by reason",
		}, []string{"reason"}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ztdash_ws_inbound_messages_total",
			Help: "Client frames received, by message type",
		}, []string{"type"}),
		GeneratorTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ztdash_generator_ticks_total",
			Help: "Telemetry generator ticks, by task and result",
		}, []string{"task", "result"}),
	}
	reg.MustRegister(c.Connections, c.Deliveries, c.Evictions, c.Inbound, c.GeneratorTicks)
	return c
}

// ObserveTick matches scheduler.Observer.
func (c *Collectors) ObserveTick(task string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.GeneratorTicks.WithLabelValues(task, result).Inc()
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}
