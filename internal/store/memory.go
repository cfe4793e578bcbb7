package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is the in-memory backend used by tests and throwaway demo runs.
// Single-process only: nothing persists and nothing crosses processes.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]Project
	agents   map[string]Agent
	feeds    map[string][]AgentEvent // per agent, ascending seq
	byID     map[string]AgentEvent
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]Project),
		agents:   make(map[string]Agent),
		feeds:    make(map[string][]AgentEvent),
		byID:     make(map[string]AgentEvent),
	}
}

var _ Backend = (*Memory)(nil)

func (m *Memory) InsertProject(_ context.Context, p Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[p.ID]; exists {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	m.projects[p.ID] = p
	return nil
}

func (m *Memory) InsertAgent(_ context.Context, a Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[a.ID]; exists {
		return fmt.Errorf("agent %s already exists", a.ID)
	}
	if _, exists := m.projects[a.ProjectID]; !exists {
		return fmt.Errorf("project %s: %w", a.ProjectID, ErrNotFound)
	}
	m.agents[a.ID] = a
	return nil
}

func (m *Memory) UpdateAgentStatus(_ context.Context, agentID string, status AgentStatus, at time.Time) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, exists := m.agents[agentID]
	if !exists {
		return Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	a.Status = status
	a.UpdatedAt = at
	m.agents[agentID] = a
	return a, nil
}

func (m *Memory) InsertAgentEvent(_ context.Context, e AgentEvent) (AgentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[e.AgentID]; !exists {
		return AgentEvent{}, fmt.Errorf("agent %s: %w", e.AgentID, ErrNotFound)
	}

	// Same rule as the SQL backends: one past the highest surviving seq,
	// so a revert frees its slots for later appends.
	feed := m.feeds[e.AgentID]
	e.Seq = 1
	if len(feed) > 0 {
		e.Seq = feed[len(feed)-1].Seq + 1
	}
	m.feeds[e.AgentID] = append(feed, e)
	m.byID[e.ID] = e
	return e, nil
}

func (m *Memory) DeleteAgentEventsFrom(_ context.Context, agentID string, fromSeq int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	feed := m.feeds[agentID]
	kept := feed[:0:0]
	removed := 0
	for _, e := range feed {
		if e.Seq >= fromSeq {
			delete(m.byID, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.feeds[agentID] = kept
	return removed, nil
}

func (m *Memory) AgentEvents(_ context.Context, agentID string, limit int) ([]AgentEvent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, exists := m.agents[agentID]; !exists {
		return nil, false, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}

	feed := m.feeds[agentID]
	if limit <= 0 || limit >= len(feed) {
		return append([]AgentEvent(nil), feed...), false, nil
	}
	newest := feed[len(feed)-limit:]
	return append([]AgentEvent(nil), newest...), true, nil
}

func (m *Memory) AgentEventsByID(_ context.Context, ids []string) ([]AgentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentEvent, 0, len(ids))
	for _, id := range ids {
		if e, exists := m.byID[id]; exists {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Agent(_ context.Context, id string) (Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, exists := m.agents[id]
	if !exists {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *Memory) AgentsForProject(_ context.Context, projectID string) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Agent
	for _, a := range m.agents {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	sortAgents(out)
	return out, nil
}

func (m *Memory) AgentSummaries(_ context.Context, ids []string) ([]AgentSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentSummary, 0, len(ids))
	for _, id := range ids {
		a, exists := m.agents[id]
		if !exists {
			continue
		}
		s := AgentSummary{Agent: a, EventCount: int64(len(m.feeds[id]))}
		if feed := m.feeds[id]; len(feed) > 0 {
			last := feed[len(feed)-1].CreatedAt
			s.LastEventAt = &last
		}
		out = append(out, s)
	}
	sortSummaries(out)
	return out, nil
}

func (m *Memory) Project(_ context.Context, id string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, exists := m.projects[id]
	if !exists {
		return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) ProjectsForOwner(_ context.Context, ownerID string) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Project
	for _, p := range m.projects {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sortProjects(out)
	return out, nil
}

// CanAccessProject treats a missing project the same as a foreign one so
// callers cannot probe for existence.
func (m *Memory) CanAccessProject(_ context.Context, subject, projectID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, exists := m.projects[projectID]
	return exists && p.OwnerID == subject, nil
}

func (m *Memory) CanAccessAgent(_ context.Context, subject, agentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, exists := m.agents[agentID]
	if !exists {
		return false, nil
	}
	p, exists := m.projects[a.ProjectID]
	return exists && p.OwnerID == subject, nil
}

func (m *Memory) Close() error { return nil }
