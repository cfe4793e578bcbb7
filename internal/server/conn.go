package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zjrosen/relay/internal/channels"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Client frames are small
	// subscribe/unsubscribe requests.
	maxMessageSize = 8 << 10

	// Outbound buffer per connection. A client that stops draining for
	// this many messages is dropped; its reconnect resyncs via snapshots.
	sendBuffer = 256

	// Upper bound on one subscribe's access check plus snapshot fetch.
	subscribeTimeout = 10 * time.Second
)

// Error codes carried in wire error messages when a subscribe is rejected.
const (
	codeUnknownChannel = "unknown-channel"
	codeAccessDenied   = "access-denied"
	codeInternal       = "internal"
)

// conn is one websocket connection. It satisfies channels.Subscriber: the
// registry pushes snapshots and deltas through Send, which queues onto the
// write pump so the registry never blocks on a slow peer.
type conn struct {
	id       string
	subject  string
	ws       *websocket.Conn
	registry *channels.Registry

	send      chan wire.ServerMessage
	quit      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, subject string, registry *channels.Registry) *conn {
	return &conn{
		id:       uuid.NewString(),
		subject:  subject,
		ws:       ws,
		registry: registry,
		send:     make(chan wire.ServerMessage, sendBuffer),
		quit:     make(chan struct{}),
	}
}

func (c *conn) ID() string      { return c.id }
func (c *conn) Subject() string { return c.subject }

// Send queues msg for delivery without blocking. A full buffer means the
// peer stopped draining; the connection is closed and the client's next
// reconnect resyncs from fresh snapshots.
func (c *conn) Send(msg wire.ServerMessage) {
	select {
	case <-c.quit:
	case c.send <- msg:
	default:
		log.Warn(log.CatConn, "send buffer full, dropping connection",
			"conn", c.id, "subject", c.subject)
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// readPump reads client frames until the connection dies, then tears down
// every subscription the connection owns.
func (c *conn) readPump() {
	defer func() {
		c.registry.DropConn(c.id)
		c.close()
		_ = c.ws.Close()
		log.Debug(log.CatConn, "connection closed", "conn", c.id, "subject", c.subject)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug(log.CatConn, "read failed", "conn", c.id, "error", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage processes one client frame. A malformed frame is logged
// and dropped; the connection survives.
func (c *conn) handleMessage(data []byte) {
	var msg wire.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn(log.CatConn, "dropping malformed message", "conn", c.id, "error", err)
		return
	}

	switch msg.Type {
	case wire.TypeSubscribe:
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		err := c.registry.Subscribe(ctx, c, msg.Channel, msg.Params)
		cancel()
		if err != nil {
			log.Debug(log.CatConn, "subscribe rejected",
				"conn", c.id, "channel", msg.Channel, "error", err)
			c.Send(subscribeError(msg, err))
		}
	case wire.TypeUnsubscribe:
		c.registry.Unsubscribe(c, msg.Channel, msg.Params)
	default:
		log.Warn(log.CatConn, "dropping message of unknown type",
			"conn", c.id, "type", msg.Type)
	}
}

// subscribeError maps a registry error to the wire error message for the
// rejected subscription. Internal failures are not echoed verbatim.
func subscribeError(msg wire.ClientMessage, err error) wire.ServerMessage {
	switch {
	case errors.Is(err, channels.ErrUnknownChannel):
		return wire.NewErrorMessage(msg.Channel, msg.Params, codeUnknownChannel, channels.ErrUnknownChannel.Error())
	case errors.Is(err, channels.ErrAccessDenied):
		return wire.NewErrorMessage(msg.Channel, msg.Params, codeAccessDenied, channels.ErrAccessDenied.Error())
	default:
		return wire.NewErrorMessage(msg.Channel, msg.Params, codeInternal, "subscribe failed")
	}
}

// writePump drains the send queue to the peer and keeps the connection
// alive with pings. It is the connection's only writer.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-c.quit:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
