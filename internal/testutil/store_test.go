package testutil_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/store"
	"github.com/zjrosen/relay/internal/testutil"
)

func TestNewTestStore_PublishesOnMutation(t *testing.T) {
	st, b := testutil.NewTestStore(t)

	var got []string
	b.Subscribe(bus.ProjectsChanged, func(e bus.Event) { got = append(got, e.Type) })

	_, err := st.CreateProject(context.Background(), "u1", "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{bus.ProjectsChanged}, got)
}

func TestNewTestSQLite_BacksOntoFile(t *testing.T) {
	st, _, path := testutil.NewTestSQLite(t)

	_, err := os.Stat(path)
	require.NoError(t, err, "database file must exist")

	testutil.NewBuilder(t, st.Backend).
		WithProject("prj-1", testutil.Owner("u1")).
		WithAgent("ag-1", "prj-1").
		WithFeedEvent("ag-1", store.KindStatus, "persisted").
		Build()

	events, _, err := st.AgentEvents(context.Background(), "ag-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "persisted", events[0].Body)
}
