package channels

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/tracing"
	"github.com/zjrosen/relay/internal/wire"
)

// subKey identifies one live subscription. The same connection may hold
// several subscriptions to one channel as long as the params differ;
// params are compared in canonical form.
type subKey struct {
	channel string
	connID  string
	params  string
}

type liveSub struct {
	sub  Subscriber
	view Subscription
}

// Registry owns the channel definitions and the live subscription set.
type Registry struct {
	mu        sync.RWMutex // protects channels, byChannel, byConn
	channels  map[string]Channel
	byChannel map[string]map[subKey]*liveSub
	byConn    map[string]map[subKey]*liveSub
}

func NewRegistry() *Registry {
	return &Registry{
		channels:  make(map[string]Channel),
		byChannel: make(map[string]map[subKey]*liveSub),
		byConn:    make(map[string]map[subKey]*liveSub),
	}
}

// Register makes a channel subscribable. Later registrations under the
// same name win; that only happens in tests.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Subscribe runs the access check, sends one snapshot message, then adds
// the subscription to the live set. A second subscribe with the same
// (conn, channel, params) key repeats the snapshot and replaces the
// earlier registration.
func (r *Registry) Subscribe(ctx context.Context, sub Subscriber, channel string, params wire.Params) (err error) {
	ctx, span := tracing.Start(ctx, tracing.SpanSubscribe,
		attribute.String(tracing.AttrChannel, channel),
		attribute.String(tracing.AttrConnID, sub.ID()),
		attribute.String(tracing.AttrSubject, sub.Subject()),
		attribute.String(tracing.AttrParams, wire.CanonicalParams(params)),
	)
	defer func() { tracing.End(span, err) }()

	r.mu.RLock()
	ch, ok := r.channels[channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	allowed, err := ch.CheckAccess(ctx, sub.Subject(), params)
	if err != nil {
		return fmt.Errorf("checking access to %s: %w", channel, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrAccessDenied, channel)
	}

	snap, err := ch.Snapshot(ctx, sub.Subject(), params)
	if err != nil {
		return fmt.Errorf("building %s snapshot: %w", channel, err)
	}
	msg, err := wire.NewSnapshotMessage(channel, params, snap)
	if err != nil {
		return fmt.Errorf("encoding %s snapshot: %w", channel, err)
	}
	sub.Send(msg)
	span.SetAttributes(
		attribute.Int(tracing.AttrSnapshotItems, len(snap.Items)),
		attribute.Bool(tracing.AttrHasMore, snap.HasMore),
	)

	key := subKey{channel: channel, connID: sub.ID(), params: wire.CanonicalParams(params)}
	live := &liveSub{
		sub: sub,
		view: Subscription{
			Channel: channel,
			ConnID:  sub.ID(),
			Subject: sub.Subject(),
			Params:  params,
		},
	}

	r.mu.Lock()
	if r.byChannel[channel] == nil {
		r.byChannel[channel] = make(map[subKey]*liveSub)
	}
	r.byChannel[channel][key] = live
	if r.byConn[sub.ID()] == nil {
		r.byConn[sub.ID()] = make(map[subKey]*liveSub)
	}
	r.byConn[sub.ID()][key] = live
	r.mu.Unlock()

	log.Debug(log.CatChannel, "subscribed", "channel", channel, "conn", sub.ID(), "subject", sub.Subject())
	return nil
}

// Unsubscribe removes one subscription. Unsubscribing something that is
// not subscribed is a no-op.
func (r *Registry) Unsubscribe(sub Subscriber, channel string, params wire.Params) {
	key := subKey{channel: channel, connID: sub.ID(), params: wire.CanonicalParams(params)}

	r.mu.Lock()
	delete(r.byChannel[channel], key)
	delete(r.byConn[sub.ID()], key)
	if len(r.byConn[sub.ID()]) == 0 {
		delete(r.byConn, sub.ID())
	}
	r.mu.Unlock()

	log.Debug(log.CatChannel, "unsubscribed", "channel", channel, "conn", sub.ID())
}

// DropConn tears down every subscription the connection holds. Called
// when the connection closes.
func (r *Registry) DropConn(connID string) {
	r.mu.Lock()
	subs := r.byConn[connID]
	delete(r.byConn, connID)
	for key := range subs {
		delete(r.byChannel[key.channel], key)
	}
	r.mu.Unlock()

	if len(subs) > 0 {
		log.Debug(log.CatChannel, "dropped connection", "conn", connID, "subscriptions", len(subs))
	}
}

// SubscriptionCount reports how many live subscriptions a channel has.
func (r *Registry) SubscriptionCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}

// BroadcastDelta delivers one delta to every live subscription of the
// channel whose view satisfies pred. A nil pred matches everyone. The
// delta is re-enveloped per subscription so each client sees its own
// params echoed back.
func (r *Registry) BroadcastDelta(ctx context.Context, channel string, pred func(Subscription) bool, delta wire.Delta) {
	targets := r.collect(channel, pred)
	_, span := tracing.Start(ctx, tracing.SpanBroadcast,
		attribute.String(tracing.AttrChannel, channel),
		attribute.String(tracing.AttrDeltaOp, delta.Op),
		attribute.Int(tracing.AttrSubscribers, len(targets)),
	)
	defer tracing.End(span, nil)

	for _, ls := range targets {
		msg, err := wire.NewDeltaMessage(channel, ls.view.Params, delta)
		if err != nil {
			log.ErrorErr(log.CatChannel, "encoding delta", err, "channel", channel)
			continue
		}
		ls.sub.Send(msg)
	}
	if len(targets) > 0 {
		log.Debug(log.CatChannel, "broadcast delta", "channel", channel, "op", delta.Op, "subscriptions", len(targets))
	}
}

// BroadcastReplace rebuilds each matching subscription's view from the
// store and sends it as a replace delta. Used when a change event cannot
// name the precise items that moved: every subscriber gets fresh data
// scoped to its own subject and params.
func (r *Registry) BroadcastReplace(ctx context.Context, channel string, pred func(Subscription) bool) {
	r.mu.RLock()
	ch, ok := r.channels[channel]
	r.mu.RUnlock()
	if !ok {
		return
	}

	targets := r.collect(channel, pred)
	ctx, span := tracing.Start(ctx, tracing.SpanBroadcast,
		attribute.String(tracing.AttrChannel, channel),
		attribute.String(tracing.AttrDeltaOp, wire.OpReplace),
		attribute.Int(tracing.AttrSubscribers, len(targets)),
	)
	defer tracing.End(span, nil)

	for _, ls := range targets {
		snap, err := ch.Snapshot(ctx, ls.view.Subject, ls.view.Params)
		if err != nil {
			log.ErrorErr(log.CatChannel, "rebuilding view for replace", err,
				"channel", channel, "conn", ls.view.ConnID)
			continue
		}
		delta := wire.Delta{
			Op:      wire.OpReplace,
			Items:   snap.Items,
			HasMore: snap.HasMore,
			Version: snap.Version,
		}
		msg, err := wire.NewDeltaMessage(channel, ls.view.Params, delta)
		if err != nil {
			log.ErrorErr(log.CatChannel, "encoding replace", err, "channel", channel)
			continue
		}
		ls.sub.Send(msg)
	}
	if len(targets) > 0 {
		log.Debug(log.CatChannel, "broadcast replace", "channel", channel, "subscriptions", len(targets))
	}
}

// collect snapshots the matching subscriptions under the read lock so
// sends happen outside it.
func (r *Registry) collect(channel string, pred func(Subscription) bool) []*liveSub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*liveSub
	for _, ls := range r.byChannel[channel] {
		if pred == nil || pred(ls.view) {
			out = append(out, ls)
		}
	}
	return out
}
