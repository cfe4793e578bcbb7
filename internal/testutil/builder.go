package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/store"
)

// Builder accumulates projects, agents, and feed entries and inserts
// them in dependency order. Each entity gets a strictly later creation
// time than the one declared before it, so list order follows
// declaration order (backends order by creation time, id as tiebreak).
type Builder struct {
	t       *testing.T
	backend store.Backend
	clock   time.Time

	projects []store.Project
	agents   []store.Agent
	events   []store.AgentEvent
	perAgent map[string]int
}

// NewBuilder creates a builder over the given backend.
func NewBuilder(t *testing.T, backend store.Backend) *Builder {
	t.Helper()
	return &Builder{
		t:        t,
		backend:  backend,
		clock:    time.Now().UTC().Add(-time.Hour),
		perAgent: make(map[string]int),
	}
}

func (b *Builder) tick() time.Time {
	b.clock = b.clock.Add(time.Second)
	return b.clock
}

// WithProject adds a project. The name defaults to the id and the owner
// to "owner".
func (b *Builder) WithProject(id string, opts ...ProjectOption) *Builder {
	p := defaultProject(id, b.tick())
	for _, opt := range opts {
		opt(&p)
	}
	b.projects = append(b.projects, p)
	return b
}

// WithAgent adds an agent to a project declared earlier. The name
// defaults to the id and the status to pending, matching what
// Store.CreateAgent would produce.
func (b *Builder) WithAgent(id, projectID string, opts ...AgentOption) *Builder {
	a := defaultAgent(id, projectID, b.tick())
	for _, opt := range opts {
		opt(&a)
	}
	b.agents = append(b.agents, a)
	return b
}

// WithFeedEvent appends one entry to an agent's feed. Ids are assigned
// as "<agentID>-e<n>" in declaration order unless EventID overrides;
// the backend assigns seq on insert.
func (b *Builder) WithFeedEvent(agentID string, kind store.EventKind, body string, opts ...EventOption) *Builder {
	b.perAgent[agentID]++
	e := store.AgentEvent{
		ID:        fmt.Sprintf("%s-e%d", agentID, b.perAgent[agentID]),
		AgentID:   agentID,
		Kind:      kind,
		Body:      body,
		CreatedAt: b.tick(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	b.events = append(b.events, e)
	return b
}

// Build inserts everything accumulated so far: projects, then agents,
// then feed entries.
func (b *Builder) Build() {
	b.t.Helper()
	ctx := context.Background()

	for _, p := range b.projects {
		require.NoError(b.t, b.backend.InsertProject(ctx, p), "inserting project %s", p.ID)
	}
	for _, a := range b.agents {
		require.NoError(b.t, b.backend.InsertAgent(ctx, a), "inserting agent %s", a.ID)
	}
	for _, e := range b.events {
		_, err := b.backend.InsertAgentEvent(ctx, e)
		require.NoError(b.t, err, "inserting event %s", e.ID)
	}
}
