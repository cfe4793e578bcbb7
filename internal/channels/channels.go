// Package channels is the server-side subscription layer. A Channel is a
// named, parameterized view over the store; the Registry tracks which
// connection holds which view open and fans deltas out to them. Access
// is checked once at subscribe time and trusted for the life of the
// subscription.
package channels

import (
	"context"
	"errors"
	"time"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/wire"
)

var (
	// ErrUnknownChannel is returned when a subscribe names a channel the
	// registry does not serve.
	ErrUnknownChannel = errors.New("channels: unknown channel")

	// ErrAccessDenied is returned when the subject may not open the
	// requested view. Missing entities produce the same error so clients
	// cannot probe for existence.
	ErrAccessDenied = errors.New("channels: access denied")
)

// fetchTimeout bounds the store reads a bus listener performs while
// turning a change event into deltas.
const fetchTimeout = 5 * time.Second

// Subscriber is one connected client as the registry sees it.
// Implementations must be comparable; the server's websocket conn is one.
// Send must not block: the conn layer buffers and drops the connection
// when the buffer fills.
type Subscriber interface {
	ID() string
	Subject() string
	Send(msg wire.ServerMessage)
}

// Subscription is the read-only view handed to broadcast predicates.
type Subscription struct {
	Channel string
	ConnID  string
	Subject string
	Params  wire.Params
}

// Channel defines one subscribable view: an access predicate, a snapshot
// builder, and bus bindings that translate store change events into
// deltas for live subscriptions.
type Channel interface {
	Name() string
	CheckAccess(ctx context.Context, subject string, params wire.Params) (bool, error)
	Snapshot(ctx context.Context, subject string, params wire.Params) (wire.Snapshot, error)
	Bind(b *bus.Bus, reg *Registry)
}

// Setup registers every channel and binds its bus listeners. Call once
// during server wiring, before the first subscribe.
func Setup(reg *Registry, b *bus.Bus, chs ...Channel) {
	for _, ch := range chs {
		reg.Register(ch)
		ch.Bind(b, reg)
	}
}
