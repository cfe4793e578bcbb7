package bridge

import (
	"context"
	"errors"
	"sync"
)

// Transport establishes notify connections. The production implementation
// speaks Postgres LISTEN/NOTIFY; tests use a MemoryHub to simulate several
// processes sharing one database.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one notify session. The bridge owns exactly one Conn at a time
// and serializes Notify calls with the notification wait on its loop.
//
// Cancelling the context passed to WaitForNotification must wake the wait
// and leave the connection usable; the bridge relies on this to interleave
// sends on the same session.
type Conn interface {
	// WaitForNotification blocks until a payload arrives on the channel,
	// the context is cancelled, or the connection fails.
	WaitForNotification(ctx context.Context) (string, error)

	// Notify delivers payload to every process with a live session on the
	// channel, including this one.
	Notify(ctx context.Context, payload string) error

	Close(ctx context.Context) error
}

// ErrConnClosed is returned by waits and notifies on a closed connection.
var ErrConnClosed = errors.New("bridge: connection closed")

// MemoryHub simulates the notify server in process. Every connection
// attached to the hub receives every payload, sender included, matching
// how Postgres delivers a NOTIFY back to the issuing session when it
// listens on the same channel. Tests attach one bridge per simulated
// process.
type MemoryHub struct {
	mu         sync.Mutex
	conns      map[*memoryConn]struct{}
	connectErr error
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{conns: make(map[*memoryConn]struct{})}
}

// Connect attaches a new session to the hub. MemoryHub is its own
// Transport.
func (h *MemoryHub) Connect(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connectErr != nil {
		return nil, h.connectErr
	}

	conn := &memoryConn{
		hub:    h,
		inbox:  make(chan string, 256),
		closed: make(chan struct{}),
	}
	h.conns[conn] = struct{}{}
	return conn, nil
}

// SetConnectErr makes subsequent Connect calls fail with err. Pass nil to
// restore normal behavior. Used to exercise the reconnect backoff.
func (h *MemoryHub) SetConnectErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectErr = err
}

// BreakAll force-fails every live session, as if the server dropped them.
func (h *MemoryHub) BreakAll() {
	h.mu.Lock()
	conns := make([]*memoryConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.breakConn()
	}
}

// ConnCount returns the number of live sessions.
func (h *MemoryHub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *MemoryHub) broadcast(payload string) {
	h.mu.Lock()
	conns := make([]*memoryConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		select {
		case c.inbox <- payload:
		case <-c.closed:
		}
	}
}

func (h *MemoryHub) detach(c *memoryConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

type memoryConn struct {
	hub       *MemoryHub
	inbox     chan string
	closed    chan struct{}
	closeOnce sync.Once
	broken    bool
	mu        sync.Mutex
}

func (c *memoryConn) WaitForNotification(ctx context.Context) (string, error) {
	select {
	case <-c.closed:
		return "", c.failure()
	default:
	}

	select {
	case payload := <-c.inbox:
		return payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closed:
		return "", c.failure()
	}
}

func (c *memoryConn) Notify(ctx context.Context, payload string) error {
	select {
	case <-c.closed:
		return c.failure()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.hub.broadcast(payload)
	return nil
}

func (c *memoryConn) Close(context.Context) error {
	c.shutdown(false)
	return nil
}

// breakConn simulates the server dropping the session: waits and notifies
// start failing with a non-context error so the bridge reconnects.
func (c *memoryConn) breakConn() {
	c.shutdown(true)
}

func (c *memoryConn) shutdown(broken bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.broken = broken
		c.mu.Unlock()
		c.hub.detach(c)
		close(c.closed)
	})
}

func (c *memoryConn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errors.New("bridge: connection reset")
	}
	return ErrConnClosed
}
