// Package store holds the entities the sync layer keeps clients current
// on: projects, agents, and per-agent event feeds. Reads flow through
// narrow source interfaces consumed by the channel layer; writes go
// through Store, which commits to a backend and then publishes the
// matching change event with the exact ids involved. Publishing after
// commit means a delivered event always refers to visible data.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/relay/internal/bus"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// AgentStatus is an agent's lifecycle state. Status transitions are the
// highest-churn mutation in the system.
type AgentStatus string

const (
	StatusPending AgentStatus = "pending"
	StatusRunning AgentStatus = "running"
	StatusWaiting AgentStatus = "waiting"
	StatusDone    AgentStatus = "done"
	StatusFailed  AgentStatus = "failed"
)

// ValidStatus reports whether s is a known agent status.
func ValidStatus(s AgentStatus) bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaiting, StatusDone, StatusFailed:
		return true
	}
	return false
}

// EventKind classifies feed entries.
type EventKind string

const (
	KindPrompt EventKind = "prompt"
	KindCommit EventKind = "commit"
	KindStatus EventKind = "status"
	KindError  EventKind = "error"
)

// ValidKind reports whether k is a known event kind.
func ValidKind(k EventKind) bool {
	switch k {
	case KindPrompt, KindCommit, KindStatus, KindError:
		return true
	}
	return false
}

// Project groups agents under one owning subject.
type Project struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Agent is one worker inside a project.
type Agent struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"projectId"`
	Name      string      `json:"name"`
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// AgentEvent is one entry in an agent's feed. Seq orders the feed per
// agent; a revert frees its slots for later appends. RequestID carries
// the submitting client's correlation id back out through deltas so that
// client can match the entry to its optimistic copy.
type AgentEvent struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Seq       int64     `json:"seq"`
	Kind      EventKind `json:"kind"`
	Body      string    `json:"body"`
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AgentSummary is the agents-channel payload: the agent plus feed stats
// that would otherwise need a join per render.
type AgentSummary struct {
	Agent
	EventCount  int64      `json:"eventCount"`
	LastEventAt *time.Time `json:"lastEventAt,omitempty"`
}

// AgentEventSource provides feed reads for the agent-events channel.
type AgentEventSource interface {
	// AgentEvents returns the newest limit entries of the agent's feed in
	// ascending seq order, and whether older entries exist beyond them.
	AgentEvents(ctx context.Context, agentID string, limit int) (items []AgentEvent, hasMore bool, err error)

	// AgentEventsByID resolves specific entries, skipping ids that no
	// longer exist.
	AgentEventsByID(ctx context.Context, ids []string) ([]AgentEvent, error)
}

// AgentSource provides agent reads for the agents channel.
type AgentSource interface {
	Agent(ctx context.Context, id string) (Agent, error)
	AgentsForProject(ctx context.Context, projectID string) ([]Agent, error)
	AgentSummaries(ctx context.Context, ids []string) ([]AgentSummary, error)
}

// ProjectSource provides project reads for the projects channel.
type ProjectSource interface {
	Project(ctx context.Context, id string) (Project, error)
	ProjectsForOwner(ctx context.Context, ownerID string) ([]Project, error)
}

// AccessChecker answers whether a subject may observe an entity. The rule
// is ownership: a subject sees a project it owns and every agent inside.
type AccessChecker interface {
	CanAccessProject(ctx context.Context, subject, projectID string) (bool, error)
	CanAccessAgent(ctx context.Context, subject, agentID string) (bool, error)
}

// Backend is the persistence contract implemented by the memory, sqlite,
// and postgres stores. Backends never publish events; Store does that
// after the write lands.
type Backend interface {
	AgentEventSource
	AgentSource
	ProjectSource
	AccessChecker

	InsertProject(ctx context.Context, p Project) error
	InsertAgent(ctx context.Context, a Agent) error
	UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus, at time.Time) (Agent, error)
	// InsertAgentEvent assigns the next per-agent seq and returns the
	// stored entry.
	InsertAgentEvent(ctx context.Context, e AgentEvent) (AgentEvent, error)
	// DeleteAgentEventsFrom removes every entry with seq >= fromSeq and
	// returns how many went away.
	DeleteAgentEventsFrom(ctx context.Context, agentID string, fromSeq int64) (int, error)

	Close() error
}

// AppendEvent is the input to Store.AppendAgentEvent.
type AppendEvent struct {
	AgentID   string
	Kind      EventKind
	Body      string
	RequestID string
}

// Store wraps a Backend with commit-then-publish semantics. Reads promote
// straight from the backend.
type Store struct {
	Backend
	pub bus.Publisher
}

// New wires a backend to a publisher. In single-process deployments pub
// is the bus itself; behind several processes it is the bridge.
func New(backend Backend, pub bus.Publisher) *Store {
	return &Store{Backend: backend, pub: pub}
}

// CreateProject stores a new project for ownerID and announces it.
func (s *Store) CreateProject(ctx context.Context, ownerID, name string) (Project, error) {
	if ownerID == "" || name == "" {
		return Project{}, fmt.Errorf("creating project: owner and name required")
	}

	now := time.Now().UTC()
	p := Project{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.InsertProject(ctx, p); err != nil {
		return Project{}, fmt.Errorf("creating project: %w", err)
	}

	s.pub.Publish(bus.NewProjectsChangedEvent(p.ID))
	return p, nil
}

// CreateAgent stores a new pending agent in the project and announces it.
func (s *Store) CreateAgent(ctx context.Context, projectID, name string) (Agent, error) {
	if name == "" {
		return Agent{}, fmt.Errorf("creating agent: name required")
	}
	if _, err := s.Project(ctx, projectID); err != nil {
		return Agent{}, fmt.Errorf("creating agent: %w", err)
	}

	now := time.Now().UTC()
	a := Agent{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.InsertAgent(ctx, a); err != nil {
		return Agent{}, fmt.Errorf("creating agent: %w", err)
	}

	s.pub.Publish(bus.NewAgentsChangedEvent(a.ID))
	return a, nil
}

// SetAgentStatus moves the agent to status and announces the change.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) (Agent, error) {
	if !ValidStatus(status) {
		return Agent{}, fmt.Errorf("setting status: unknown status %q", status)
	}

	a, err := s.UpdateAgentStatus(ctx, agentID, status, time.Now().UTC())
	if err != nil {
		return Agent{}, fmt.Errorf("setting status: %w", err)
	}

	s.pub.Publish(bus.NewAgentChangedEvent(a.ID))
	return a, nil
}

// AppendAgentEvent adds one entry to the agent's feed and announces it by
// id, so feed subscribers get a precise add delta.
func (s *Store) AppendAgentEvent(ctx context.Context, in AppendEvent) (AgentEvent, error) {
	if !ValidKind(in.Kind) {
		return AgentEvent{}, fmt.Errorf("appending event: unknown kind %q", in.Kind)
	}
	if _, err := s.Agent(ctx, in.AgentID); err != nil {
		return AgentEvent{}, fmt.Errorf("appending event: %w", err)
	}

	e := AgentEvent{
		ID:        uuid.NewString(),
		AgentID:   in.AgentID,
		Kind:      in.Kind,
		Body:      in.Body,
		RequestID: in.RequestID,
		CreatedAt: time.Now().UTC(),
	}
	stored, err := s.InsertAgentEvent(ctx, e)
	if err != nil {
		return AgentEvent{}, fmt.Errorf("appending event: %w", err)
	}

	s.pub.Publish(bus.NewAgentEventsChangedEvent(stored.AgentID, stored.ID))
	return stored, nil
}

// RevertAgentEvents removes every feed entry from fromSeq on. The
// announcement carries no ids: subscribers refresh the whole feed rather
// than chase a bulk deletion.
func (s *Store) RevertAgentEvents(ctx context.Context, agentID string, fromSeq int64) (int, error) {
	if fromSeq < 1 {
		return 0, fmt.Errorf("reverting events: fromSeq must be >= 1")
	}
	if _, err := s.Agent(ctx, agentID); err != nil {
		return 0, fmt.Errorf("reverting events: %w", err)
	}

	n, err := s.DeleteAgentEventsFrom(ctx, agentID, fromSeq)
	if err != nil {
		return 0, fmt.Errorf("reverting events: %w", err)
	}
	if n > 0 {
		s.pub.Publish(bus.NewAgentEventsChangedEvent(agentID))
	}
	return n, nil
}

// List ordering convention shared by every backend: creation time, id as
// tiebreak. SQL backends express the same thing in ORDER BY.

func sortAgents(as []Agent) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].ID < as[j].ID
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}

func sortProjects(ps []Project) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func sortSummaries(ss []AgentSummary) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].ID < ss[j].ID
		}
		return ss[i].CreatedAt.Before(ss[j].CreatedAt)
	})
}
