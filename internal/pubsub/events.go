// Package pubsub provides a generic publish/subscribe broker used for
// in-process fan-out where slow consumers must not stall producers: the
// client engine's change feed and the live log tail. Unlike the entity
// event bus, delivery here is asynchronous and lossy under backpressure.
package pubsub

import (
	"context"
	"time"
)

// EventType classifies what happened to the payload's subject.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"

	// ResetEvent signals that accumulated state should be discarded and
	// rebuilt, e.g. after a transport reconnect replaces a client cache
	// entry wholesale.
	ResetEvent EventType = "reset"
)

// Event is a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
