package bus

import (
	"encoding/json"

	"github.com/zjrosen/relay/internal/log"
)

// Event types published when server-side entities change. The convention
// is "entity:what-changed"; payload structs below carry the affected ids.
const (
	// AgentEventsChanged fires when events are appended to or reverted
	// from an agent's feed.
	AgentEventsChanged = "agent:events-changed"

	// AgentChanged fires when a single agent's fields change (status,
	// name).
	AgentChanged = "agent:changed"

	// AgentsChanged fires when the set of agents changes (create,
	// archive) or several agents change at once.
	AgentsChanged = "agents:changed"

	// ProjectsChanged fires when projects are created, renamed, or
	// archived.
	ProjectsChanged = "projects:changed"
)

// AgentEventsChangedPayload scopes a feed change to one agent. Empty
// EventIDs means the whole feed should be refreshed (bulk reverts and
// oversize payloads arrive this way).
type AgentEventsChangedPayload struct {
	AgentID  string   `json:"agentId"`
	EventIDs []string `json:"eventIds,omitempty"`
}

// AgentChangedPayload names the one agent whose fields changed.
type AgentChangedPayload struct {
	AgentID string `json:"agentId"`
}

// AgentsChangedPayload lists the agents affected by a membership change.
// Empty AgentIDs means refresh everything.
type AgentsChangedPayload struct {
	AgentIDs []string `json:"agentIds,omitempty"`
}

// ProjectsChangedPayload lists the affected projects. Empty ProjectIDs
// means refresh everything.
type ProjectsChangedPayload struct {
	ProjectIDs []string `json:"projectIds,omitempty"`
}

// NewAgentEventsChangedEvent builds an AgentEventsChanged event for one
// agent's feed. Call with no event ids to signal a full feed refresh.
func NewAgentEventsChangedEvent(agentID string, eventIDs ...string) Event {
	return Event{Type: AgentEventsChanged, Payload: marshalPayload(AgentEventsChangedPayload{
		AgentID:  agentID,
		EventIDs: eventIDs,
	})}
}

// NewAgentChangedEvent builds an AgentChanged event.
func NewAgentChangedEvent(agentID string) Event {
	return Event{Type: AgentChanged, Payload: marshalPayload(AgentChangedPayload{AgentID: agentID})}
}

// NewAgentsChangedEvent builds an AgentsChanged event. Call with no ids to
// signal a full refresh.
func NewAgentsChangedEvent(agentIDs ...string) Event {
	return Event{Type: AgentsChanged, Payload: marshalPayload(AgentsChangedPayload{AgentIDs: agentIDs})}
}

// NewProjectsChangedEvent builds a ProjectsChanged event. Call with no ids
// to signal a full refresh.
func NewProjectsChangedEvent(projectIDs ...string) Event {
	return Event{Type: ProjectsChanged, Payload: marshalPayload(ProjectsChangedPayload{ProjectIDs: projectIDs})}
}

// ParseAgentEventsChanged decodes the payload of an AgentEventsChanged
// event. A malformed or empty payload decodes to the zero payload, which
// listeners treat as a full refresh.
func ParseAgentEventsChanged(e Event) AgentEventsChangedPayload {
	var p AgentEventsChangedPayload
	unmarshalPayload(e, &p)
	return p
}

// ParseAgentChanged decodes the payload of an AgentChanged event.
func ParseAgentChanged(e Event) AgentChangedPayload {
	var p AgentChangedPayload
	unmarshalPayload(e, &p)
	return p
}

// ParseAgentsChanged decodes the payload of an AgentsChanged event.
func ParseAgentsChanged(e Event) AgentsChangedPayload {
	var p AgentsChangedPayload
	unmarshalPayload(e, &p)
	return p
}

// ParseProjectsChanged decodes the payload of a ProjectsChanged event.
func ParseProjectsChanged(e Event) ProjectsChangedPayload {
	var p ProjectsChangedPayload
	unmarshalPayload(e, &p)
	return p
}

// StripIDs returns a copy of event with bulk id lists cleared from the
// payload, keeping scalar scope fields like the agent id. Receivers treat
// the result as a full-refresh signal. The bridge uses this when a payload
// exceeds the transport's size limit.
func StripIDs(event Event) Event {
	switch event.Type {
	case AgentEventsChanged:
		p := ParseAgentEventsChanged(event)
		return NewAgentEventsChangedEvent(p.AgentID)
	case AgentChanged:
		return event
	case AgentsChanged:
		return NewAgentsChangedEvent()
	case ProjectsChanged:
		return NewProjectsChangedEvent()
	default:
		return Event{Type: event.Type}
	}
}

func marshalPayload(p any) string {
	data, err := json.Marshal(p)
	if err != nil {
		log.Error(log.CatBus, "marshaling event payload", "error", err)
		return ""
	}
	return string(data)
}

func unmarshalPayload(e Event, into any) {
	if e.Payload == "" {
		return
	}
	if err := json.Unmarshal([]byte(e.Payload), into); err != nil {
		log.Debug(log.CatBus, "unparseable event payload, treating as full refresh", "event", e.Type, "error", err)
	}
}
