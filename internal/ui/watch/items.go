package watch

import (
	"time"

	"github.com/zjrosen/relay/internal/store"
)

// feedItem is the agent-events payload as published on the wire. The
// view decodes into this mirror rather than the store row so it depends
// only on the JSON contract.
type feedItem struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	Seq       int64           `json:"seq"`
	Kind      store.EventKind `json:"kind"`
	Body      string          `json:"body"`
	RequestID string          `json:"requestId"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (e feedItem) ItemID() string        { return e.ID }
func (e feedItem) CorrelationID() string { return e.RequestID }
func (e feedItem) SemanticKey() string   { return string(e.Kind) + "|" + e.Body }
func (e feedItem) SortTime() time.Time   { return e.CreatedAt }

// summaryItem is the agents-channel payload. The embedded Agent flattens
// when the server marshals it, so the fields sit at the top level here.
type summaryItem struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	Name        string            `json:"name"`
	Status      store.AgentStatus `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	EventCount  int64             `json:"eventCount"`
	LastEventAt *time.Time        `json:"lastEventAt"`
}

func (s summaryItem) ItemID() string        { return s.ID }
func (s summaryItem) CorrelationID() string { return "" }
func (s summaryItem) SemanticKey() string   { return "" }
func (s summaryItem) SortTime() time.Time   { return s.CreatedAt }
