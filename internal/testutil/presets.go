package testutil

import (
	"fmt"

	"github.com/zjrosen/relay/internal/store"
)

// WithDemoWorkspace seeds the dataset most integration tests start from:
// one project owned by "demo" with a running and a waiting agent, and a
// short mixed feed on the running one. Prompt bodies carry markdown, so
// renderer paths get realistic input.
func (b *Builder) WithDemoWorkspace() *Builder {
	return b.
		WithProject("prj-demo", Owner("demo"), ProjectName("Demo Workspace")).
		WithAgent("ag-builder", "prj-demo", AgentName("builder"), Status(store.StatusRunning)).
		WithAgent("ag-reviewer", "prj-demo", AgentName("reviewer"), Status(store.StatusWaiting)).
		WithFeedEvent("ag-builder", store.KindPrompt,
			"Fix the flaky websocket test\n\n- reproduce with `-race`\n- bisect the shutdown path").
		WithFeedEvent("ag-builder", store.KindStatus, "running tests").
		WithFeedEvent("ag-builder", store.KindCommit, "server: close race in hub shutdown").
		WithFeedEvent("ag-reviewer", store.KindPrompt, "Review the open changes")
}

// WithBacklog appends n status entries to one agent's feed, for
// pagination tests that need history deeper than a window.
func (b *Builder) WithBacklog(agentID string, n int) *Builder {
	for i := 1; i <= n; i++ {
		b.WithFeedEvent(agentID, store.KindStatus, fmt.Sprintf("step %d", i))
	}
	return b
}
