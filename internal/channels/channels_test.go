package channels

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/store"
	"github.com/zjrosen/relay/internal/wire"
)

// syncStack wires the real pieces the way the server does: memory
// backend, publishing store, bus, registry with all three channels
// bound. Everything is synchronous, so assertions need no waiting.
type syncStack struct {
	store *store.Store
	bus   *bus.Bus
	reg   *Registry
}

func newSyncStack(t *testing.T) *syncStack {
	t.Helper()
	b := bus.New()
	backend := store.NewMemory()
	st := store.New(backend, b)
	reg := NewRegistry()
	access := NewCachedAccess(backend, false)

	Setup(reg, b,
		NewAgentEventsChannel(backend, access),
		NewAgentsChannel(backend, access),
		NewProjectsChannel(backend),
	)
	return &syncStack{store: st, bus: b, reg: reg}
}

// seedFeed creates owner → project → agent and appends n events.
func (s *syncStack) seedFeed(t *testing.T, owner string, n int) (store.Project, store.Agent) {
	t.Helper()
	p, err := s.store.CreateProject(context.Background(), owner, "demo")
	require.NoError(t, err)
	a, err := s.store.CreateAgent(context.Background(), p.ID, "builder")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := s.store.AppendAgentEvent(context.Background(), store.AppendEvent{
			AgentID: a.ID, Kind: store.KindStatus, Body: "step",
		})
		require.NoError(t, err)
	}
	return p, a
}

func decodeEventItems(t *testing.T, raw []json.RawMessage) []store.AgentEvent {
	t.Helper()
	out := make([]store.AgentEvent, len(raw))
	for i, r := range raw {
		require.NoError(t, json.Unmarshal(r, &out[i]))
	}
	return out
}

func decodeSummaryItems(t *testing.T, raw []json.RawMessage) []store.AgentSummary {
	t.Helper()
	out := make([]store.AgentSummary, len(raw))
	for i, r := range raw {
		require.NoError(t, json.Unmarshal(r, &out[i]))
	}
	return out
}

// === agent-events ===

func TestAgentEvents_SnapshotWindow(t *testing.T) {
	s := newSyncStack(t)
	_, agent := s.seedFeed(t, "u1", 3)
	sub := newFakeSub("c1", "u1")

	err := s.reg.Subscribe(context.Background(), sub, AgentEvents,
		wire.Params{"agentId": agent.ID, "limit": 2})
	require.NoError(t, err)

	snap := decodeSnapshot(t, sub.messages()[0])
	require.True(t, snap.HasMore, "one older event exists beyond the window")
	items := decodeEventItems(t, snap.Items)
	require.Len(t, items, 2)
	require.Equal(t, int64(2), items[0].Seq, "window is the newest events in ascending order")
	require.Equal(t, int64(3), items[1].Seq)
	require.Equal(t, int64(3), snap.Version, "version is the highest seq in the window")
}

func TestAgentEvents_AppendBecomesAddDelta(t *testing.T) {
	s := newSyncStack(t)
	_, agent := s.seedFeed(t, "u1", 1)
	sub := newFakeSub("c1", "u1")
	require.NoError(t, s.reg.Subscribe(context.Background(), sub, AgentEvents,
		wire.Params{"agentId": agent.ID}))

	stored, err := s.store.AppendAgentEvent(context.Background(), store.AppendEvent{
		AgentID: agent.ID, Kind: store.KindPrompt, Body: "go", RequestID: "req-42",
	})
	require.NoError(t, err)

	msgs := sub.messages()
	require.Len(t, msgs, 2, "snapshot then one delta")
	delta := decodeDelta(t, msgs[1])
	require.Equal(t, wire.OpAdd, delta.Op)
	require.Equal(t, stored.Seq, delta.Version)

	var item store.AgentEvent
	require.NoError(t, json.Unmarshal(delta.Item, &item))
	require.Equal(t, stored.ID, item.ID)
	require.Equal(t, "req-42", item.RequestID, "correlation id reaches subscribers")
}

func TestAgentEvents_RevertBecomesReplace(t *testing.T) {
	s := newSyncStack(t)
	_, agent := s.seedFeed(t, "u1", 3)
	sub := newFakeSub("c1", "u1")
	require.NoError(t, s.reg.Subscribe(context.Background(), sub, AgentEvents,
		wire.Params{"agentId": agent.ID}))

	n, err := s.store.RevertAgentEvents(context.Background(), agent.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	msgs := sub.messages()
	require.Len(t, msgs, 2)
	delta := decodeDelta(t, msgs[1])
	require.Equal(t, wire.OpReplace, delta.Op, "bulk deletion rebuilds the window")
	items := decodeEventItems(t, delta.Items)
	require.Len(t, items, 1)
	require.Equal(t, int64(1), items[0].Seq)
	require.False(t, delta.HasMore)
}

func TestAgentEvents_DeltasScopedToAgent(t *testing.T) {
	s := newSyncStack(t)
	project, watched := s.seedFeed(t, "u1", 1)
	other, err := s.store.CreateAgent(context.Background(), project.ID, "other")
	require.NoError(t, err)

	sub := newFakeSub("c1", "u1")
	require.NoError(t, s.reg.Subscribe(context.Background(), sub, AgentEvents,
		wire.Params{"agentId": watched.ID}))
	before := len(sub.messages())

	_, err = s.store.AppendAgentEvent(context.Background(), store.AppendEvent{
		AgentID: other.ID, Kind: store.KindStatus, Body: "noise",
	})
	require.NoError(t, err)

	require.Len(t, sub.messages(), before, "another agent's feed must not leak in")
}

func TestAgentEvents_AccessDenied(t *testing.T) {
	s := newSyncStack(t)
	_, agent := s.seedFeed(t, "u1", 1)
	intruder := newFakeSub("c9", "intruder")

	err := s.reg.Subscribe(context.Background(), intruder, AgentEvents,
		wire.Params{"agentId": agent.ID})
	require.ErrorIs(t, err, ErrAccessDenied)

	// A missing agent reads the same as a foreign one.
	err = s.reg.Subscribe(context.Background(), intruder, AgentEvents,
		wire.Params{"agentId": "missing"})
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestAgentEvents_MissingAgentIDDenied(t *testing.T) {
	s := newSyncStack(t)
	sub := newFakeSub("c1", "u1")

	err := s.reg.Subscribe(context.Background(), sub, AgentEvents, wire.Params{})
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestAgentEvents_PaginationByResubscribe(t *testing.T) {
	s := newSyncStack(t)
	_, agent := s.seedFeed(t, "u1", 5)
	sub := newFakeSub("c1", "u1")

	small := wire.Params{"agentId": agent.ID, "limit": 2}
	require.NoError(t, s.reg.Subscribe(context.Background(), sub, AgentEvents, small))
	require.True(t, decodeSnapshot(t, sub.messages()[0]).HasMore)

	// The client pages by tearing down the small window and opening a
	// larger one.
	s.reg.Unsubscribe(sub, AgentEvents, small)
	require.NoError(t, s.reg.Subscribe(context.Background(), sub, AgentEvents,
		wire.Params{"agentId": agent.ID, "limit": 10}))

	snap := decodeSnapshot(t, sub.messages()[1])
	require.False(t, snap.HasMore)
	require.Len(t, snap.Items, 5)
	require.Equal(t, 1, s.reg.SubscriptionCount(AgentEvents))
}

// === agents ===

func TestAgents_SnapshotByIDs(t *testing.T) {
	s := newSyncStack(t)
	_, agent := s.seedFeed(t, "u1", 2)
	sub := newFakeSub("c1", "u1")

	err := s.reg.Subscribe(context.Background(), sub, Agents,
		wire.Params{"ids": []string{agent.ID}})
	require.NoError(t, err)

	snap := decodeSnapshot(t, sub.messages()[0])
	summaries := decodeSummaryItems(t, snap.Items)
	require.Len(t, summaries, 1)
	require.Equal(t, agent.ID, summaries[0].ID)
	require.Equal(t, int64(2), summaries[0].EventCount)
	require.NotNil(t, summaries[0].LastEventAt)
}

func TestAgents_SnapshotByProject(t *testing.T) {
	s := newSyncStack(t)
	project, agent := s.seedFeed(t, "u1", 0)
	second, err := s.store.CreateAgent(context.Background(), project.ID, "reviewer")
	require.NoError(t, err)

	sub := newFakeSub("c1", "u1")
	require.NoError(t, s.reg.Subscribe(context.Background(), sub, Agents,
		wire.Params{"projectId": project.ID}))

	snap := decodeSnapshot(t, sub.messages()[0])
	summaries := decodeSummaryItems(t, snap.Items)
	require.Len(t, summaries, 2)
	ids := []string{summaries[0].ID, summaries[1].ID}
	require.Contains(t, ids, agent.ID)
	require.Contains(t, ids, second.ID)
}

func TestAgents_EmptyIDsAllowed(t *testing.T) {
	s := newSyncStack(t)
	sub := newFakeSub("c1", "u1")

	err := s.reg.Subscribe(context.Background(), sub, Agents, wire.Params{"ids": []string{}})
	require.NoError(t, err)
	snap := decodeSnapshot(t, sub.messages()[0])
	require.Empty(t, snap.Items)
}

func TestAgents_StatusChangeBecomesModify(t *testing.T) {
	s := newSyncStack(t)
	project, agent := s.seedFeed(t, "u1", 0)

	byIDs := newFakeSub("c1", "u1")
	require.NoError(t, s.reg.Subscribe(context.Background(), byIDs, Agents,
		wire.Params{"ids": []string{agent.ID}}))
	byProject := newFakeSub("c2", "u1")
	require.NoError(t, s.reg.Subscribe(context.Background(), byProject, Agents,
		wire.Params{"projectId": project.ID}))

	_, err := s.store.SetAgentStatus(context.Background(), agent.ID, store.StatusRunning)
	require.NoError(t, err)

	for _, sub := range []*fakeSub{byIDs, byProject} {
		msgs := sub.messages()
		require.Len(t, msgs, 2)
		delta := decodeDelta(t, msgs[1])
		require.Equal(t, wire.OpModify, delta.Op)
		require.Equal(t, agent.ID, delta.ItemID)

		var summary store.AgentSummary
		require.NoError(t, json.Unmarshal(delta.Item, &summary))
		require.Equal(t, store.StatusRunning, summary.Status)
	}
}

func TestAgents_CreationReachesProjectWatchers(t *testing.T) {
	s := newSyncStack(t)
	project, first := s.seedFeed(t, "u1", 0)

	byProject := newFakeSub("c1", "u1")
	require.NoError(t, s.reg.Subscribe(context.Background(), byProject, Agents,
		wire.Params{"projectId": project.ID}))
	unrelated := newFakeSub("c2", "u1")
	require.NoError(t, s.reg.Subscribe(context.Background(), unrelated, Agents,
		wire.Params{"ids": []string{first.ID}}))

	created, err := s.store.CreateAgent(context.Background(), project.ID, "newcomer")
	require.NoError(t, err)

	msgs := byProject.messages()
	require.Len(t, msgs, 2, "project watchers hear about new agents")
	delta := decodeDelta(t, msgs[1])
	require.Equal(t, wire.OpReplace, delta.Op)
	summaries := decodeSummaryItems(t, delta.Items)
	require.Len(t, summaries, 2)
	ids := []string{summaries[0].ID, summaries[1].ID}
	require.Contains(t, ids, created.ID)

	require.Len(t, unrelated.messages(), 1,
		"id watchers not naming the new agent stay quiet")
}

func TestAgents_AccessDenied(t *testing.T) {
	s := newSyncStack(t)
	project, agent := s.seedFeed(t, "u1", 0)
	intruder := newFakeSub("c9", "intruder")

	err := s.reg.Subscribe(context.Background(), intruder, Agents,
		wire.Params{"ids": []string{agent.ID}})
	require.ErrorIs(t, err, ErrAccessDenied)

	err = s.reg.Subscribe(context.Background(), intruder, Agents,
		wire.Params{"projectId": project.ID})
	require.ErrorIs(t, err, ErrAccessDenied)
}

// === projects ===

func TestProjects_SnapshotScopedToSubject(t *testing.T) {
	s := newSyncStack(t)
	mine, err := s.store.CreateProject(context.Background(), "u1", "mine")
	require.NoError(t, err)
	_, err = s.store.CreateProject(context.Background(), "u2", "theirs")
	require.NoError(t, err)

	sub := newFakeSub("c1", "u1")
	require.NoError(t, s.reg.Subscribe(context.Background(), sub, Projects, nil))

	snap := decodeSnapshot(t, sub.messages()[0])
	require.Len(t, snap.Items, 1, "only the subject's own projects appear")
	var p store.Project
	require.NoError(t, json.Unmarshal(snap.Items[0], &p))
	require.Equal(t, mine.ID, p.ID)
}

func TestProjects_ChurnRebuildsPerSubject(t *testing.T) {
	s := newSyncStack(t)
	alice := newFakeSub("c1", "alice")
	bob := newFakeSub("c2", "bob")
	require.NoError(t, s.reg.Subscribe(context.Background(), alice, Projects, nil))
	require.NoError(t, s.reg.Subscribe(context.Background(), bob, Projects, nil))

	created, err := s.store.CreateProject(context.Background(), "alice", "launch")
	require.NoError(t, err)

	aliceDelta := decodeDelta(t, alice.messages()[1])
	require.Equal(t, wire.OpReplace, aliceDelta.Op)
	require.Len(t, aliceDelta.Items, 1)
	var p store.Project
	require.NoError(t, json.Unmarshal(aliceDelta.Items[0], &p))
	require.Equal(t, created.ID, p.ID)

	bobDelta := decodeDelta(t, bob.messages()[1])
	require.Equal(t, wire.OpReplace, bobDelta.Op)
	require.Empty(t, bobDelta.Items, "each subscriber's rebuild stays scoped to them")
}
