// Package client keeps one logical connection to the dashboard feed open
// across transport failures. Messages sent while disconnected are queued
// and flushed in order on the next connection; reconnects back off
// exponentially up to a bounded number of attempts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zerotrust-dash/ztdash/internal/protocol"
)

var (
	// ErrQueueFull means a message could not be queued while disconnected.
	ErrQueueFull = errors.New("client: outbound queue full")
	// ErrClosed means the connection was lost while writing.
	ErrClosed = errors.New("client: connection closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	}
	return "disconnected"
}

// Message is one decoded server frame. Data holds the whole frame.
type Message struct {
	Type       protocol.MessageType
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the frame into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

type Listener func(Message)

type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *zerolog.Logger

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// HeartbeatInterval is how often an application ping is sent while
	// connected. Zero disables the heartbeat.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	HistorySize       int
	// MaxQueueSize bounds messages held while disconnected. Zero means
	// unbounded.
	MaxQueueSize int
	// Resubscribe re-sends active channel subscriptions after a reconnect.
	Resubscribe bool

	// Callbacks run on the client's goroutines. They may call Disconnect,
	// which then returns without waiting for the connection to wind down.
	OnConnect     func()
	OnDisconnect  func(err error)
	OnError       func(err error)
	OnMessage     func(Message)
	OnStateChange func(State)
}

// DefaultOptions returns the settings used by the dashboard: five reconnect
// attempts backing off from 1s to 30s, a 30s heartbeat and a 100 entry
// history.
func DefaultOptions(url string) Options {
	return Options{
		URL:                  url,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		WriteTimeout:         10 * time.Second,
		HistorySize:          100,
		MaxQueueSize:         1000,
		Resubscribe:          true,
	}
}

type queued struct {
	data      []byte
	subscribe []string
}

type listenerEntry struct {
	fn Listener
}

// session is one Connect call, ended by Disconnect or by running out of
// reconnect attempts.
type session struct {
	cancel context.CancelFunc
}

type Client struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	queue     []queued
	attempts  int
	channels  map[string]int
	listeners map[protocol.MessageType][]*listenerEntry
	history   []Message
	session   *session
	wg        sync.WaitGroup

	// callbacks counts caller code running under safeCall.
	callbacks atomic.Int32

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
		opts.ReconnectMaxDelay = opts.ReconnectBaseDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Client{
		opts:      opts,
		log:       log.With().Str("component", "client").Str("url", opts.URL).Logger(),
		channels:  make(map[string]int),
		listeners: make(map[protocol.MessageType][]*listenerEntry),
	}
}

// Connect starts connecting in the background. It returns immediately;
// progress is reported through State and the callbacks. Calling Connect on
// a client that is already running is a no-op.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel}
	c.session = s
	c.attempts = 0
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, s)
}

// Disconnect closes the connection and cancels any pending reconnect or
// heartbeat. It is safe to call in any state, any number of times. Outside
// callbacks it waits for the connection goroutine to exit; from a listener
// or Options callback it only cancels, since that goroutine is the caller.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s != nil {
		s.cancel()
		if c.callbacks.Load() == 0 {
			c.wg.Wait()
		}
	}
	c.setState(Disconnected)
}

func (c *Client) run(ctx context.Context, s *session) {
	defer func() {
		s.cancel()
		c.mu.Lock()
		if c.session == s {
			c.session = nil
		}
		// A callback may already have started a new session.
		superseded := c.session != nil
		c.mu.Unlock()
		if !superseded {
			c.setState(Disconnected)
		}
		c.wg.Done()
	}()
	for {
		c.setState(Connecting)
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("dial failed")
			c.setState(Error)
			c.callError(err)
			c.setState(Disconnected)
		} else {
			c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
		}

		delay, ok := c.nextAttempt()
		if !ok {
			c.log.Warn().Int("attempts", c.ReconnectAttempts()).Msg("giving up reconnecting")
			return
		}
		c.log.Info().Int("attempt", c.ReconnectAttempts()).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) nextAttempt() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opts.AutoReconnect || c.attempts >= c.opts.MaxReconnectAttempts {
		return 0, false
	}
	c.attempts++
	return backoffDelay(c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay, c.attempts), true
}

// backoffDelay is base doubled for every attempt after the first, capped at
// limit.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return min(base, limit)
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return d
}

// serve runs one connection until it closes.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-connCtx.Done()
		if ctx.Err() != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		}
		conn.Close()
	}()

	if err := c.flush(conn); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("flush failed")
		c.callError(err)
		c.setState(Disconnected)
		return
	}
	c.log.Info().Msg("connected")
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeat(connCtx, conn)
	}
	if c.opts.OnConnect != nil {
		c.safeCall("OnConnect", c.opts.OnConnect)
	}

	err := c.readLoop(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	stop()

	if ctx.Err() != nil {
		c.setState(Disconnected)
		c.callDisconnect(nil)
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info().Err(err).Msg("connection closed")
	} else {
		c.log.Warn().Err(err).Msg("connection lost")
		c.setState(Error)
		c.callError(err)
	}
	c.setState(Disconnected)
	c.callDisconnect(err)
}

// flush writes the resubscribe frame and then the queue, oldest first. The
// state only becomes Connected once the queue is empty, so concurrent Sends
// keep queueing behind older messages until then.
func (c *Client) flush(conn *websocket.Conn) error {
	c.mu.Lock()
	resub := c.resubscribeLocked()
	c.mu.Unlock()

	if resub != nil {
		data, _ := json.Marshal(protocol.Subscribe(resub...))
		if err := c.write(conn, data); err != nil {
			return err
		}
		c.log.Debug().Strs("channels", resub).Msg("resubscribed")
	}

	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.conn = conn
			c.attempts = 0
			changed := c.transitionLocked(Connected)
			c.mu.Unlock()
			if changed {
				c.notifyState(Connected)
			}
			return nil
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.write(conn, next.data); err != nil {
			c.mu.Lock()
			c.queue = append([]queued{next}, c.queue...)
			c.mu.Unlock()
			return err
		}
	}
}

// resubscribeLocked lists active channels that no queued subscribe frame
// already covers.
func (c *Client) resubscribeLocked() []string {
	if !c.opts.Resubscribe || len(c.channels) == 0 {
		return nil
	}
	pending := make(map[string]bool)
	for _, q := range c.queue {
		for _, ch := range q.subscribe {
			pending[ch] = true
		}
	}
	var out []string
	for ch := range c.channels {
		if !pending[ch] {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var head struct {
		Type protocol.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.log.Warn().Err(err).Msg("invalid message from server")
		return
	}
	msg := Message{Type: head.Type, Data: json.RawMessage(data), ReceivedAt: time.Now()}

	c.mu.Lock()
	c.history = append([]Message{msg}, c.history...)
	if len(c.history) > c.opts.HistorySize {
		c.history = c.history[:c.opts.HistorySize]
	}
	entries := append([]*listenerEntry(nil), c.listeners[msg.Type]...)
	c.mu.Unlock()

	for _, e := range entries {
		c.safeCall(string(msg.Type)+" listener", func() { e.fn(msg) })
	}
	if c.opts.OnMessage != nil {
		c.safeCall("OnMessage", func() { c.opts.OnMessage(msg) })
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ping, _ := json.Marshal(protocol.Inbound{Type: protocol.MsgPing})
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, ping); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// Write errors are permanent on a gorilla conn. Closing it ends
		// readLoop so the reconnect path takes over.
		conn.Close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Send writes msg now when connected and queues it otherwise. A message
// whose write fails is queued rather than lost.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: encode message: %w", err)
	}
	q := queued{data: data}
	if in, ok := msg.(protocol.Inbound); ok && in.Type == protocol.MsgSubscribe {
		q.subscribe = in.Channels
	}

	c.mu.Lock()
	conn := c.conn
	if c.state != Connected || conn == nil {
		defer c.mu.Unlock()
		return c.enqueueLocked(q)
	}
	c.mu.Unlock()

	if err := c.write(conn, data); err != nil {
		c.log.Debug().Err(err).Msg("send failed, queueing")
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.enqueueLocked(q)
	}
	return nil
}

func (c *Client) enqueueLocked(q queued) error {
	if c.opts.MaxQueueSize > 0 && len(c.queue) >= c.opts.MaxQueueSize {
		return ErrQueueFull
	}
	c.queue = append(c.queue, q)
	return nil
}

// Subscribe asks the server for channels and returns a function that
// releases them. A channel is only unsubscribed once every Subscribe
// holding it has been released.
func (c *Client) Subscribe(channels ...string) (unsubscribe func() error, err error) {
	if err := c.Send(protocol.Subscribe(channels...)); err != nil {
		return nil, err
	}
	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch]++
	}
	c.mu.Unlock()

	var once sync.Once
	return func() error {
		var released []string
		once.Do(func() {
			c.mu.Lock()
			for _, ch := range channels {
				if c.channels[ch]--; c.channels[ch] <= 0 {
					delete(c.channels, ch)
					released = append(released, ch)
				}
			}
			c.mu.Unlock()
		})
		if len(released) == 0 {
			return nil
		}
		return c.Send(protocol.Unsubscribe(released...))
	}, nil
}

// AddListener registers fn for frames of type t and returns a function that
// removes exactly this registration.
func (c *Client) AddListener(t protocol.MessageType, fn Listener) (remove func()) {
	e := &listenerEntry{fn: fn}
	c.mu.Lock()
	c.listeners[t] = append(c.listeners[t], e)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.listeners[t]
		for i, other := range list {
			if other == e {
				c.listeners[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// RequestSnapshot asks the server for a data_snapshot.
func (c *Client) RequestSnapshot() error {
	return c.Send(protocol.Inbound{Type: protocol.MsgRequestData})
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// QueueLen reports how many messages are waiting for a connection.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// History returns received messages, newest first.
func (c *Client) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.history...)
}

func (c *Client) LastMessage() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return Message{}, false
	}
	return c.history[0], true
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.transitionLocked(s)
	c.mu.Unlock()
	if changed {
		c.notifyState(s)
	}
}

func (c *Client) transitionLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Client) notifyState(s State) {
	if c.opts.OnStateChange != nil {
		c.safeCall("OnStateChange", func() { c.opts.OnStateChange(s) })
	}
}

func (c *Client) callError(err error) {
	if c.opts.OnError != nil {
		c.safeCall("OnError", func() { c.opts.OnError(err) })
	}
}

func (c *Client) callDisconnect(err error) {
	if c.opts.OnDisconnect != nil {
		c.safeCall("OnDisconnect", func() { c.opts.OnDisconnect(err) })
	}
}

// safeCall runs caller code so that a panic is logged instead of taking the
// connection down.
func (c *Client) safeCall(name string, fn func()) {
	c.callbacks.Add(1)
	defer func() {
		c.callbacks.Add(-1)
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("callback", name).Msg("callback panicked")
		}
	}()
	fn()
}
