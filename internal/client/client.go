// Package client implements the consumer half of the sync protocol: one
// multiplexed transport connection, a reconciling cache per subscription,
// optimistic local inserts, windowed pagination, and ref-counted sharing
// of one subscription across independent consumers. All repair flows
// through snapshots: reconnects, rejected loads, and dropped deltas are
// healed by the next snapshot the server sends.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/pubsub"
	"github.com/zjrosen/relay/internal/wire"
)

// DefaultPageSize is how many more items each load-more requests.
const DefaultPageSize = 50

// Change identifies a subscription whose cache changed. UI consumers
// subscribe to these through Changes and re-read the cache they render.
type Change struct {
	Channel string
	Params  wire.Params
}

// Config configures a Client.
type Config struct {
	// Transport carries the protocol. Required.
	Transport Transport
	// PageSize is the pagination growth step. Zero takes the default.
	PageSize int
	// Clock drives the pagination safety timer. Nil takes RealClock.
	Clock Clock
}

// Client routes server frames to the feed or multiplexer holding each
// subscription and publishes cache-change notifications.
type Client struct {
	transport Transport
	pageSize  int
	clock     Clock
	changes   *pubsub.Broker[Change]

	mu       sync.Mutex
	handlers map[wire.SubscriptionKey]MessageSink
}

func New(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	return &Client{
		transport: cfg.Transport,
		pageSize:  cfg.PageSize,
		clock:     cfg.Clock,
		changes:   pubsub.NewBroker[Change](),
		handlers:  make(map[wire.SubscriptionKey]MessageSink),
	}
}

// Start connects the transport. Frames arrive on the transport's read
// goroutine, so per-subscription delivery order is the server's send
// order.
func (c *Client) Start(ctx context.Context) {
	c.transport.Start(ctx, c.dispatch, c.onState)
}

// Changes returns the cache-change feed. A ResetEvent means the
// transport reconnected and fresh snapshots are on their way.
func (c *Client) Changes() *pubsub.Broker[Change] {
	return c.changes
}

// Close ends the transport and the change feed.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.changes.Close()
	return err
}

func (c *Client) dispatch(msg wire.ServerMessage) {
	c.mu.Lock()
	handler := c.handlers[subKeyOf(msg.Channel, msg.Params)]
	c.mu.Unlock()

	if handler == nil {
		// The subscription closed while this frame was in flight.
		log.Debug(log.CatClient, "dropping frame for closed subscription",
			"channel", msg.Channel, "type", msg.Type)
		return
	}
	handler(msg)
}

func (c *Client) onState(connected bool) {
	if connected {
		c.changes.Publish(pubsub.ResetEvent, Change{})
	}
}

// subscribe registers the handler before the transport sends the
// request, so the answering snapshot always finds its route.
func (c *Client) subscribe(channel string, params wire.Params, h MessageSink) error {
	key := subKeyOf(channel, params)
	c.mu.Lock()
	c.handlers[key] = h
	c.mu.Unlock()

	if err := c.transport.Subscribe(channel, params); err != nil {
		c.mu.Lock()
		delete(c.handlers, key)
		c.mu.Unlock()
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	return nil
}

// unsubscribe removes the route first, so no further frame reaches the
// handler once this returns.
func (c *Client) unsubscribe(channel string, params wire.Params) {
	c.mu.Lock()
	delete(c.handlers, subKeyOf(channel, params))
	c.mu.Unlock()

	if err := c.transport.Unsubscribe(channel, params); err != nil {
		log.Debug(log.CatClient, "unsubscribe send failed",
			"channel", channel, "error", err)
	}
}

func (c *Client) notify(ch Change) {
	c.changes.Publish(pubsub.UpdatedEvent, ch)
}

// applyMessage applies one snapshot or delta frame to the cache. It
// reports whether the cache changed and whether the frame was
// snapshot-equivalent (a snapshot or a replace delta). Malformed frames
// are logged and dropped; the next snapshot repairs whatever they would
// have carried.
func applyMessage[T Entry](cache *Cache[T], msg wire.ServerMessage) (changed, snapshotLike bool) {
	switch msg.Type {
	case wire.TypeSnapshot:
		var snap wire.Snapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			log.Warn(log.CatClient, "dropping malformed snapshot",
				"channel", msg.Channel, "error", err)
			return false, false
		}
		items, err := decodeItems[T](snap.Items)
		if err != nil {
			log.Warn(log.CatClient, "dropping undecodable snapshot",
				"channel", msg.Channel, "error", err)
			return false, false
		}
		cache.ApplySnapshot(items, snap.HasMore, snap.Version)
		return true, true

	case wire.TypeDelta:
		var delta wire.Delta
		if err := json.Unmarshal(msg.Data, &delta); err != nil {
			log.Warn(log.CatClient, "dropping malformed delta",
				"channel", msg.Channel, "error", err)
			return false, false
		}
		return applyDelta(cache, msg.Channel, delta)

	default:
		log.Debug(log.CatClient, "ignoring frame of unexpected type",
			"channel", msg.Channel, "type", msg.Type)
		return false, false
	}
}

func applyDelta[T Entry](cache *Cache[T], channel string, delta wire.Delta) (changed, snapshotLike bool) {
	switch delta.Op {
	case wire.OpAdd:
		item, err := decodeItem[T](delta.Item)
		if err != nil {
			log.Warn(log.CatClient, "dropping undecodable add", "channel", channel, "error", err)
			return false, false
		}
		cache.ApplyAdd([]T{item}, delta.Version)
		return true, false

	case wire.OpAddBatch:
		items, err := decodeItems[T](delta.Items)
		if err != nil {
			log.Warn(log.CatClient, "dropping undecodable add-batch", "channel", channel, "error", err)
			return false, false
		}
		cache.ApplyAdd(items, delta.Version)
		return true, false

	case wire.OpModify:
		item, err := decodeItem[T](delta.Item)
		if err != nil {
			log.Warn(log.CatClient, "dropping undecodable modify", "channel", channel, "error", err)
			return false, false
		}
		if !cache.ApplyModify(item) {
			log.Warn(log.CatClient, "modify target not cached",
				"channel", channel, "id", item.ItemID())
			return false, false
		}
		return true, false

	case wire.OpDelete:
		return cache.ApplyDelete(delta.ItemID), false

	case wire.OpReplace:
		items, err := decodeItems[T](delta.Items)
		if err != nil {
			log.Warn(log.CatClient, "dropping undecodable replace", "channel", channel, "error", err)
			return false, false
		}
		cache.ApplySnapshot(items, delta.HasMore, delta.Version)
		return true, true

	default:
		log.Warn(log.CatClient, "dropping delta of unknown op", "channel", channel, "op", delta.Op)
		return false, false
	}
}

func decodeItem[T Entry](raw json.RawMessage) (T, error) {
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, fmt.Errorf("decoding item: %w", err)
	}
	return item, nil
}

func decodeItems[T Entry](raw []json.RawMessage) ([]T, error) {
	out := make([]T, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("decoding item %d of %d: %w", i, len(raw), err)
		}
	}
	return out, nil
}

func cloneParams(p wire.Params) wire.Params {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}
