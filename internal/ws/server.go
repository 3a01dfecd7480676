package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/zerotrust-dash/ztdash/internal/config"
	"github.com/zerotrust-dash/ztdash/internal/hoststat"
	"github.com/zerotrust-dash/ztdash/internal/metrics"
	"github.com/zerotrust-dash/ztdash/internal/protocol"
	"github.com/zerotrust-dash/ztdash/internal/scheduler"
	"github.com/zerotrust-dash/ztdash/internal/telemetry"
)

// HostSampler reports host resource usage for /health.
type HostSampler func(ctx context.Context) (hoststat.Stats, error)

type Server struct {
	cfg         *config.Config
	store       *telemetry.Store
	registry    *Registry
	broadcaster *Broadcaster
	stats       *metrics.Collectors
	log         zerolog.Logger
	host        HostSampler
	now         func() time.Time

	clientOrigin string
	clientHost   string
}

func NewServer(cfg *config.Config, store *telemetry.Store, registry *Registry, broadcaster *Broadcaster, stats *metrics.Collectors, log zerolog.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		store:        store,
		registry:     registry,
		broadcaster:  broadcaster,
		stats:        stats,
		log:          log,
		host:         hoststat.Sample,
		now:          time.Now,
		clientOrigin: strings.TrimRight(strings.TrimSpace(cfg.Server.ClientURL), "/"),
	}
	if parsed, err := url.Parse(s.clientOrigin); err == nil {
		s.clientHost = parsed.Host
	}
	return s
}

// SetHostSampler replaces the gopsutil sampler used by /health.
func (s *Server) SetHostSampler(h HostSampler) {
	s.host = h
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/health", s.cors(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/api/alerts", s.cors(http.HandlerFunc(s.handleAlerts)))
	mux.Handle("/api/metrics", s.cors(http.HandlerFunc(s.handleMetrics)))
	mux.Handle("/api/network-status", s.cors(http.HandlerFunc(s.handleNetworkStatus)))
	mux.Handle("/api/threats", s.cors(http.HandlerFunc(s.handleThreats)))
	mux.Handle("/metrics", s.stats.Handler())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade error")
		return
	}
	if s.cfg.Server.ReadLimit > 0 {
		wsConn.SetReadLimit(s.cfg.Server.ReadLimit)
	}

	t := newConn(wsConn, s.cfg.WS.SendBuffer, s.cfg.WS.WriteTimeout)
	c := NewConnection(t, r.RemoteAddr)
	s.registry.Register(c)
	log := s.log.With().Str("client_id", c.ID).Str("remote", c.RemoteAddr).Logger()
	log.Info().Int("total", s.registry.Len()).Msg("client connected")

	s.broadcaster.SendTo(c.ID, protocol.ConnectionEstablished{
		Type:        protocol.MsgConnectionEstablished,
		ClientID:    c.ID,
		Timestamp:   s.now(),
		InitialData: s.store.Snapshot(),
	})

	go s.readLoop(c, t, wsConn, log)
}

func (s *Server) readLoop(c *Connection, t *conn, wsConn *websocket.Conn, log zerolog.Logger) {
	defer func() {
		// A transport already closing is flushing its close frame.
		if t.Open() {
			t.Close()
		}
		if s.registry.Unregister(c.ID) {
			log.Info().Int("total", s.registry.Len()).Msg("client disconnected")
		}
	}()

	wsConn.SetPongHandler(func(string) error {
		s.registry.Touch(c.ID)
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.WS.InboundRate), s.cfg.WS.InboundBurst)
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Msg("ws read error")
			}
			return
		}

		if s.cfg.WS.InboundRate > 0 && !limiter.Allow() {
			log.Warn().Msg("inbound rate limit exceeded, dropping message")
			s.stats.Inbound.WithLabelValues("rate_limited").Inc()
			continue
		}

		var msg protocol.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("invalid message from client, closing")
			s.stats.Inbound.WithLabelValues("malformed").Inc()
			s.stats.Evictions.WithLabelValues("malformed").Inc()
			s.registry.Unregister(c.ID)
			t.CloseWith(websocket.CloseUnsupportedData, "malformed message")
			return
		}
		s.handleInbound(c.ID, msg, log)
	}
}

func (s *Server) handleInbound(id string, msg protocol.Inbound, log zerolog.Logger) {
	s.stats.Inbound.WithLabelValues(inboundLabel(msg.Type)).Inc()

	switch msg.Type {
	case protocol.MsgSubscribe:
		s.registry.UpdateSubscriptions(id, msg.Channels, OpAdd)
		log.Debug().Strs("channels", msg.Channels).Msg("subscribed")
	case protocol.MsgUnsubscribe:
		s.registry.UpdateSubscriptions(id, msg.Channels, OpRemove)
		log.Debug().Strs("channels", msg.Channels).Msg("unsubscribed")
	case protocol.MsgPing:
		s.registry.Touch(id)
		s.broadcaster.SendTo(id, protocol.Pong{Type: protocol.MsgPong, Timestamp: s.now()})
	case protocol.MsgRequestData:
		s.broadcaster.SendTo(id, protocol.DataSnapshot{
			Type:      protocol.MsgDataSnapshot,
			Data:      s.store.Snapshot(),
			Timestamp: s.now(),
		})
	default:
		log.Debug().Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

func inboundLabel(t protocol.MessageType) string {
	switch t {
	case protocol.MsgSubscribe, protocol.MsgUnsubscribe, protocol.MsgPing, protocol.MsgRequestData:
		return string(t)
	}
	return "unknown"
}

// SweepTask returns the periodic liveness sweep as a scheduler task.
func (s *Server) SweepTask() scheduler.Task {
	return scheduler.Task{
		Name:     "sweep",
		Interval: scheduler.Every(s.cfg.WS.SweepInterval),
		Run: func(context.Context) error {
			if evicted := s.registry.Sweep(s.cfg.WS.StaleThreshold); len(evicted) > 0 {
				s.log.Info().Int("evicted", len(evicted)).Int("total", s.registry.Len()).Msg("sweep finished")
			}
			return nil
		},
	}
}

// Shutdown closes every connection with a going-away frame and empties the
// registry.
func (s *Server) Shutdown() {
	conns := s.registry.drain()
	for _, c := range conns {
		if t, ok := c.Transport.(*conn); ok {
			t.CloseWith(websocket.CloseGoingAway, "server shutting down")
			continue
		}
		c.Transport.Close()
	}
	s.log.Info().Int("closed", len(conns)).Msg("all connections closed")
}

type healthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Connections int            `json:"connections"`
	Host        hoststat.Stats `json:"host"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	host, err := s.host(r.Context())
	if err != nil {
		s.log.Debug().Err(err).Msg("host stats incomplete")
	}
	writeJSON(w, healthResponse{
		Status:      "healthy",
		Timestamp:   s.now(),
		Connections: s.registry.Len(),
		Host:        host,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Alerts())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, ok := s.store.Metrics()
	if !ok {
		writeJSON(w, struct{}{})
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	n, ok := s.store.NetworkStatus()
	if !ok {
		writeJSON(w, struct{}{})
		return
	}
	writeJSON(w, n)
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Threats())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// cors allows the configured dashboard origin to read the REST surface.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.clientOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.clientOrigin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.clientOrigin != "" && origin == s.clientOrigin {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host || (s.clientHost != "" && host == s.clientHost) {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}
