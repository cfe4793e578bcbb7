package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/store"
	"github.com/zjrosen/relay/internal/wire"
)

// Agents is the summary channel: status and feed stats for a set of
// agents. Two param forms exist. {projectId} watches a whole project and
// discovers new agents through membership replaces; {ids} watches an
// explicit set that clients union across views and resubscribe when it
// changes. projectId wins when both are present.
const Agents = "agents"

type AgentsChannel struct {
	agents store.AgentSource
	access *CachedAccess
}

func NewAgentsChannel(agents store.AgentSource, access *CachedAccess) *AgentsChannel {
	return &AgentsChannel{agents: agents, access: access}
}

func (c *AgentsChannel) Name() string { return Agents }

// CheckAccess requires the project, or every listed id, to be
// accessible. An empty id set is allowed: a client's union passes
// through empty while views come and go.
func (c *AgentsChannel) CheckAccess(ctx context.Context, subject string, params wire.Params) (bool, error) {
	if projectID := params.StringParam("projectId"); projectID != "" {
		return c.access.Project(ctx, subject, projectID)
	}
	for _, id := range params.StringsParam("ids") {
		ok, err := c.access.Agent(ctx, subject, id)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c *AgentsChannel) Snapshot(ctx context.Context, _ string, params wire.Params) (wire.Snapshot, error) {
	ids := params.StringsParam("ids")
	if projectID := params.StringParam("projectId"); projectID != "" {
		agents, err := c.agents.AgentsForProject(ctx, projectID)
		if err != nil {
			return wire.Snapshot{}, fmt.Errorf("listing project agents: %w", err)
		}
		ids = make([]string, len(agents))
		for i, a := range agents {
			ids[i] = a.ID
		}
	}

	summaries, err := c.agents.AgentSummaries(ctx, ids)
	if err != nil {
		return wire.Snapshot{}, fmt.Errorf("reading summaries: %w", err)
	}

	raw := make([]json.RawMessage, len(summaries))
	for i, s := range summaries {
		data, err := json.Marshal(s)
		if err != nil {
			return wire.Snapshot{}, fmt.Errorf("encoding summary %s: %w", s.ID, err)
		}
		raw[i] = data
	}
	return wire.Snapshot{Items: raw, Version: time.Now().UnixMilli()}, nil
}

// Bind maps the two agent change shapes onto deltas. A single agent's
// status flip is the hot path and becomes a targeted modify; membership
// churn is ambiguous (new agent? rename?) and rebuilds the affected
// views instead, which is also how project watchers discover creations.
func (c *AgentsChannel) Bind(b *bus.Bus, reg *Registry) {
	b.Subscribe(bus.AgentChanged, func(e bus.Event) {
		payload := bus.ParseAgentChanged(e)
		if payload.AgentID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		summaries, err := c.agents.AgentSummaries(ctx, []string{payload.AgentID})
		if err != nil {
			log.ErrorErr(log.CatChannel, "resolving changed agent", err, "agent", payload.AgentID)
			reg.BroadcastReplace(ctx, Agents, watchesAgent(payload.AgentID, ""))
			return
		}
		if len(summaries) == 0 {
			// Gone since the event was published. The owning project is
			// unknowable now, so only id watchers hear the delete.
			reg.BroadcastDelta(ctx, Agents, watchesAgent(payload.AgentID, ""), wire.Delta{
				Op:      wire.OpDelete,
				ItemID:  payload.AgentID,
				Version: time.Now().UnixMilli(),
			})
			return
		}

		item, err := json.Marshal(summaries[0])
		if err != nil {
			log.ErrorErr(log.CatChannel, "encoding agent summary", err, "agent", payload.AgentID)
			return
		}
		reg.BroadcastDelta(ctx, Agents, watchesAgent(payload.AgentID, summaries[0].ProjectID), wire.Delta{
			Op:      wire.OpModify,
			Item:    item,
			ItemID:  payload.AgentID,
			Version: time.Now().UnixMilli(),
		})
	})

	b.Subscribe(bus.AgentsChanged, func(e bus.Event) {
		payload := bus.ParseAgentsChanged(e)
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		if len(payload.AgentIDs) == 0 {
			reg.BroadcastReplace(ctx, Agents, nil)
			return
		}

		summaries, err := c.agents.AgentSummaries(ctx, payload.AgentIDs)
		if err != nil {
			log.ErrorErr(log.CatChannel, "resolving changed agents", err)
			reg.BroadcastReplace(ctx, Agents, nil)
			return
		}
		projects := make(map[string]struct{}, len(summaries))
		for _, s := range summaries {
			projects[s.ProjectID] = struct{}{}
		}
		reg.BroadcastReplace(ctx, Agents, watchesAnyAgent(payload.AgentIDs, projects))
	})
}

// watchesAgent matches subscriptions whose id set names the agent or
// whose projectId is the agent's project. An empty projectID matches id
// watchers only.
func watchesAgent(agentID, projectID string) func(Subscription) bool {
	return func(s Subscription) bool {
		if p := s.Params.StringParam("projectId"); p != "" {
			return p == projectID
		}
		for _, id := range s.Params.StringsParam("ids") {
			if id == agentID {
				return true
			}
		}
		return false
	}
}

func watchesAnyAgent(agentIDs []string, projects map[string]struct{}) func(Subscription) bool {
	changed := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		changed[id] = struct{}{}
	}
	return func(s Subscription) bool {
		if p := s.Params.StringParam("projectId"); p != "" {
			_, ok := projects[p]
			return ok
		}
		for _, id := range s.Params.StringsParam("ids") {
			if _, ok := changed[id]; ok {
				return true
			}
		}
		return false
	}
}
