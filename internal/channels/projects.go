package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/store"
	"github.com/zjrosen/relay/internal/wire"
)

// Projects is the project list channel. It takes no params: the view is
// always the subscribing subject's own projects.
const Projects = "projects"

type ProjectsChannel struct {
	projects store.ProjectSource
}

func NewProjectsChannel(projects store.ProjectSource) *ProjectsChannel {
	return &ProjectsChannel{projects: projects}
}

func (c *ProjectsChannel) Name() string { return Projects }

// CheckAccess always grants: the snapshot is scoped to the subject, so
// there is nothing to deny.
func (c *ProjectsChannel) CheckAccess(context.Context, string, wire.Params) (bool, error) {
	return true, nil
}

func (c *ProjectsChannel) Snapshot(ctx context.Context, subject string, _ wire.Params) (wire.Snapshot, error) {
	projects, err := c.projects.ProjectsForOwner(ctx, subject)
	if err != nil {
		return wire.Snapshot{}, fmt.Errorf("listing projects for %s: %w", subject, err)
	}

	raw := make([]json.RawMessage, len(projects))
	for i, p := range projects {
		data, err := json.Marshal(p)
		if err != nil {
			return wire.Snapshot{}, fmt.Errorf("encoding project %s: %w", p.ID, err)
		}
		raw[i] = data
	}
	return wire.Snapshot{Items: raw, Version: time.Now().UnixMilli()}, nil
}

// Bind rebuilds every subscriber's list on any project churn. Ownership
// of the changed ids is unknowable without a fetch per subscriber, and
// project changes are rare enough that a scoped rebuild per subscriber
// costs the same anyway.
func (c *ProjectsChannel) Bind(b *bus.Bus, reg *Registry) {
	b.Subscribe(bus.ProjectsChanged, func(e bus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		reg.BroadcastReplace(ctx, Projects, nil)
	})
}
