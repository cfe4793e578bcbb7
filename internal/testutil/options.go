package testutil

import (
	"time"

	"github.com/zjrosen/relay/internal/store"
)

func defaultProject(id string, at time.Time) store.Project {
	return store.Project{
		ID:        id,
		OwnerID:   "owner",
		Name:      id,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func defaultAgent(id, projectID string, at time.Time) store.Agent {
	return store.Agent{
		ID:        id,
		ProjectID: projectID,
		Name:      id,
		Status:    store.StatusPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// ProjectOption configures a project during builder setup.
type ProjectOption func(*store.Project)

// Owner sets the owning subject.
func Owner(subject string) ProjectOption {
	return func(p *store.Project) { p.OwnerID = subject }
}

// ProjectName sets the display name.
func ProjectName(name string) ProjectOption {
	return func(p *store.Project) { p.Name = name }
}

// AgentOption configures an agent during builder setup.
type AgentOption func(*store.Agent)

// AgentName sets the display name.
func AgentName(name string) AgentOption {
	return func(a *store.Agent) { a.Name = name }
}

// Status sets the lifecycle state.
func Status(s store.AgentStatus) AgentOption {
	return func(a *store.Agent) { a.Status = s }
}

// EventOption configures a feed entry during builder setup.
type EventOption func(*store.AgentEvent)

// EventID overrides the auto-assigned id.
func EventID(id string) EventOption {
	return func(e *store.AgentEvent) { e.ID = id }
}

// RequestID sets the correlation id the entry echoes back to clients.
func RequestID(id string) EventOption {
	return func(e *store.AgentEvent) { e.RequestID = id }
}

// EventAt sets the creation timestamp explicitly.
func EventAt(t time.Time) EventOption {
	return func(e *store.AgentEvent) { e.CreatedAt = t }
}
