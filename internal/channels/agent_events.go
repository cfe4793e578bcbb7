package channels

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/store"
	"github.com/zjrosen/relay/internal/wire"
)

// AgentEvents is the feed channel: the newest window of one agent's
// events, parameterized by {agentId, limit}. Raising limit through a
// resubscribe is how clients page back.
const AgentEvents = "agent-events"

// DefaultEventLimit applies when a subscribe omits limit.
const DefaultEventLimit = 50

type AgentEventsChannel struct {
	events store.AgentEventSource
	access *CachedAccess
}

func NewAgentEventsChannel(events store.AgentEventSource, access *CachedAccess) *AgentEventsChannel {
	return &AgentEventsChannel{events: events, access: access}
}

func (c *AgentEventsChannel) Name() string { return AgentEvents }

func (c *AgentEventsChannel) CheckAccess(ctx context.Context, subject string, params wire.Params) (bool, error) {
	agentID := params.StringParam("agentId")
	if agentID == "" {
		return false, nil
	}
	return c.access.Agent(ctx, subject, agentID)
}

// Snapshot returns the newest limit entries in ascending order. Version
// is the highest seq in the window, so clients can spot regressions.
func (c *AgentEventsChannel) Snapshot(ctx context.Context, _ string, params wire.Params) (wire.Snapshot, error) {
	agentID := params.StringParam("agentId")
	limit := params.IntParam("limit", DefaultEventLimit)
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	items, hasMore, err := c.events.AgentEvents(ctx, agentID, limit)
	if err != nil {
		return wire.Snapshot{}, fmt.Errorf("reading feed for %s: %w", agentID, err)
	}

	raw, version, err := encodeEvents(items)
	if err != nil {
		return wire.Snapshot{}, err
	}
	return wire.Snapshot{Items: raw, HasMore: hasMore, Version: version}, nil
}

// Bind translates feed change events into deltas. Events that name ids
// become precise adds; events without ids (bulk reverts, oversize
// re-sends) rebuild every affected subscription's window.
func (c *AgentEventsChannel) Bind(b *bus.Bus, reg *Registry) {
	b.Subscribe(bus.AgentEventsChanged, func(e bus.Event) {
		payload := bus.ParseAgentEventsChanged(e)
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		if payload.AgentID == "" {
			// No scope survived the trip; refresh every feed.
			reg.BroadcastReplace(ctx, AgentEvents, nil)
			return
		}

		pred := func(s Subscription) bool {
			return s.Params.StringParam("agentId") == payload.AgentID
		}

		if len(payload.EventIDs) == 0 {
			reg.BroadcastReplace(ctx, AgentEvents, pred)
			return
		}

		items, err := c.events.AgentEventsByID(ctx, payload.EventIDs)
		if err != nil {
			log.ErrorErr(log.CatChannel, "resolving changed events", err, "agent", payload.AgentID)
			reg.BroadcastReplace(ctx, AgentEvents, pred)
			return
		}
		if len(items) == 0 {
			// The ids vanished between publish and fetch (a revert won the
			// race); a rebuilt window is the only correct answer.
			reg.BroadcastReplace(ctx, AgentEvents, pred)
			return
		}

		delta, err := addDelta(items)
		if err != nil {
			log.ErrorErr(log.CatChannel, "encoding feed delta", err, "agent", payload.AgentID)
			return
		}
		reg.BroadcastDelta(ctx, AgentEvents, pred, delta)
	})
}

func addDelta(items []store.AgentEvent) (wire.Delta, error) {
	raw, version, err := encodeEvents(items)
	if err != nil {
		return wire.Delta{}, err
	}
	if len(raw) == 1 {
		return wire.Delta{Op: wire.OpAdd, Item: raw[0], Version: version}, nil
	}
	return wire.Delta{Op: wire.OpAddBatch, Items: raw, Version: version}, nil
}

func encodeEvents(items []store.AgentEvent) ([]json.RawMessage, int64, error) {
	raw := make([]json.RawMessage, len(items))
	var version int64
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding event %s: %w", item.ID, err)
		}
		raw[i] = data
		if item.Seq > version {
			version = item.Seq
		}
	}
	return raw, version, nil
}
