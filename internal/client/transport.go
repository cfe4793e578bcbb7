package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/wire"
)

const (
	// Reconnect backoff bounds: start at one second, double per failed
	// attempt, never exceed the cap, retry forever.
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second

	// Time allowed to complete one frame or control write.
	sendWait = 10 * time.Second

	// The read deadline. The server pings inside this window; the ping
	// handler refreshes the deadline so an idle subscription stays open.
	readWait = 60 * time.Second
)

// MessageSink receives every server frame in arrival order.
type MessageSink func(wire.ServerMessage)

// StateSink observes connectivity transitions.
type StateSink func(connected bool)

// Transport carries subscribe/unsubscribe requests to the server and
// feeds back its snapshot, delta, and error frames.
type Transport interface {
	// Start begins delivering frames to sink. It returns immediately;
	// connection management runs in the background until ctx ends or
	// Close is called.
	Start(ctx context.Context, sink MessageSink, state StateSink)
	Subscribe(channel string, params wire.Params) error
	Unsubscribe(channel string, params wire.Params) error
	Close() error
}

// TransportConfig configures the websocket transport.
type TransportConfig struct {
	// URL is the ws:// or wss:// endpoint, e.g. "ws://localhost:7070/ws".
	URL string
	// Header carries handshake headers (auth token, subject).
	Header http.Header
	// InitialBackoff and MaxBackoff bound the reconnect delay. Zero
	// values take the 1s/30s defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// WSTransport is the gorilla/websocket Transport. It reconnects with
// doubling backoff and replays every open subscription after each
// reconnect, so subscribers resync through the fresh snapshots the
// server sends on subscribe.
type WSTransport struct {
	cfg    TransportConfig
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[wire.SubscriptionKey]wire.ClientMessage

	done      chan struct{}
	closeOnce sync.Once
}

func NewWSTransport(cfg TransportConfig) *WSTransport {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &WSTransport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subs:   make(map[wire.SubscriptionKey]wire.ClientMessage),
		done:   make(chan struct{}),
	}
}

// Start launches the connect/read loop.
func (t *WSTransport) Start(ctx context.Context, sink MessageSink, state StateSink) {
	log.SafeGo("client-transport", func() { t.run(ctx, sink, state) })
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Close()
		case <-t.done:
		}
	}()
}

// Subscribe records the subscription for replay and sends it when
// connected. While disconnected the recorded frame is sent on the next
// successful dial.
func (t *WSTransport) Subscribe(channel string, params wire.Params) error {
	msg := wire.ClientMessage{Type: wire.TypeSubscribe, Channel: channel, Params: params}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[subKeyOf(channel, params)] = msg
	if t.conn == nil {
		return nil
	}
	return t.writeLocked(msg)
}

// Unsubscribe forgets the subscription and tells the server when
// connected.
func (t *WSTransport) Unsubscribe(channel string, params wire.Params) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, subKeyOf(channel, params))
	if t.conn == nil {
		return nil
	}
	return t.writeLocked(wire.ClientMessage{
		Type: wire.TypeUnsubscribe, Channel: channel, Params: params,
	})
}

// Connected reports whether a live connection exists right now.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close ends the transport permanently.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	return nil
}

func (t *WSTransport) run(ctx context.Context, sink MessageSink, state StateSink) {
	backoff := t.cfg.InitialBackoff
	for {
		if t.stopped(ctx) {
			return
		}

		conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			log.Debug(log.CatClient, "dial failed",
				"url", t.cfg.URL, "retryIn", backoff, "error", err)
			if !t.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, t.cfg.MaxBackoff)
			continue
		}
		backoff = t.cfg.InitialBackoff

		t.attach(conn)
		if state != nil {
			state(true)
		}
		t.readLoop(conn, sink)
		if state != nil {
			state(false)
		}
		t.detach(conn)
	}
}

// attach installs the new connection and replays all open subscriptions.
func (t *WSTransport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
	log.Debug(log.CatClient, "connected", "url", t.cfg.URL, "subscriptions", len(t.subs))
	for _, msg := range t.subs {
		if err := t.writeLocked(msg); err != nil {
			log.Warn(log.CatClient, "replaying subscription failed",
				"channel", msg.Channel, "error", err)
			return
		}
	}
}

func (t *WSTransport) detach(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
	_ = conn.Close()
}

// readLoop delivers frames until the connection dies. Server pings
// refresh the read deadline, so only a genuinely dead peer times out.
func (t *WSTransport) readLoop(conn *websocket.Conn, sink MessageSink) {
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(sendWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		var msg wire.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Debug(log.CatClient, "connection lost", "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		sink(msg)
	}
}

// writeLocked sends one frame. Callers hold t.mu, which also serializes
// writers the way the websocket requires.
func (t *WSTransport) writeLocked(msg wire.ClientMessage) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(sendWait))
	return t.conn.WriteJSON(msg)
}

func (t *WSTransport) stopped(ctx context.Context) bool {
	select {
	case <-t.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits out one backoff period. Returns false when the transport
// stopped while waiting.
func (t *WSTransport) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func subKeyOf(channel string, params wire.Params) wire.SubscriptionKey {
	return wire.SubscriptionKey{Channel: channel, Params: wire.CanonicalParams(params)}
}
