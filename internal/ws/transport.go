package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrSlowConsumer means the connection's outbound buffer is full.
	ErrSlowConsumer = errors.New("ws: outbound buffer full")
	// ErrTransportClosed means the connection is closing or closed.
	ErrTransportClosed = errors.New("ws: transport closed")
)

// Transport is the send side of one client connection. Send never blocks.
type Transport interface {
	Send(data []byte) error
	Ping() error
	Open() bool
	Close() error
}

// conn adapts a gorilla connection to Transport. Frames are queued on send
// and written by writePump, so one client's slow socket never stalls a
// broadcast.
type conn struct {
	ws           *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	closeFrame []byte
}

func newConn(ws *websocket.Conn, buffer int, writeTimeout time.Duration) *conn {
	c := &conn{
		ws:           ws,
		send:         make(chan []byte, buffer),
		writeTimeout: writeTimeout,
	}
	go c.writePump()
	return c
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.markClosed()
			return
		}
	}

	c.mu.Lock()
	frame := c.closeFrame
	c.mu.Unlock()
	if frame != nil {
		c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(c.writeTimeout)) //nolint:errcheck
	}
}

func (c *conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTransportClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Ping writes a control frame directly; gorilla allows WriteControl
// concurrently with the pump's writes.
func (c *conn) Ping() error {
	if !c.Open() {
		return ErrTransportClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close terminates the socket without draining queued frames.
func (c *conn) Close() error {
	c.markClosed()
	return c.ws.Close()
}

// CloseWith drains queued frames, then sends a close frame with code.
func (c *conn) CloseWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeFrame = websocket.FormatCloseMessage(code, text)
	close(c.send)
}

func (c *conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
