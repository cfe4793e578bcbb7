package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared across the sync paths.
const (
	AttrEventType = "event.type"
	AttrEventIDs  = "event.ids"
	AttrProjectID = "event.project_id"

	AttrChannel     = "channel.name"
	AttrParams      = "subscription.params"
	AttrSubscribers = "channel.subscribers"

	AttrConnID  = "conn.id"
	AttrSubject = "conn.subject"

	AttrDeltaOp       = "delta.op"
	AttrSnapshotItems = "snapshot.items"
	AttrHasMore       = "snapshot.has_more"
)

// Span names.
const (
	SpanSubscribe     = "channel.subscribe"
	SpanUnsubscribe   = "channel.unsubscribe"
	SpanBroadcast     = "channel.broadcast"
	SpanBridgePublish = "bridge.publish"
	SpanBridgeReceive = "bridge.receive"
)

// scopeName identifies relay spans regardless of which provider is
// installed.
const scopeName = "relay"

// Tracer returns the relay tracer from the global provider. Before
// NewProvider runs (or when disabled) this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// Start opens a span on the relay tracer with the given attributes.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End finishes the span, folding err into its status.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
