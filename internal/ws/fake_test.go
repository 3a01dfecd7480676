package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zerotrust-dash/ztdash/internal/metrics"
)

// fakeTransport records frames in memory.
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	pings   int
	closed  bool
	sendErr error
	pingErr error
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) isClosed() bool {
	return !f.Open()
}

var errBrokenPipe = errors.New("broken pipe")

// testClock is a settable time source for registry liveness.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *testClock) *Registry {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return NewRegistry(now, zerolog.Nop(), metrics.New())
}

// addFake registers a connection backed by a fresh fakeTransport.
func addFake(r *Registry, channels ...string) (*Connection, *fakeTransport) {
	ft := &fakeTransport{}
	c := NewConnection(ft, "192.0.2.1:5000")
	r.Register(c)
	if len(channels) > 0 {
		r.UpdateSubscriptions(c.ID, channels, OpAdd)
	}
	return c, ft
}
