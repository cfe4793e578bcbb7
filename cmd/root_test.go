package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/config"
	"github.com/zjrosen/relay/internal/store"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"], "serve should be registered")
	assert.True(t, names["watch"], "watch should be registered")
	assert.True(t, names["seed"], "seed should be registered")
}

func TestWatchCommand_RequiresAgentID(t *testing.T) {
	require.Error(t, watchCmd.Args(watchCmd, nil))
	require.NoError(t, watchCmd.Args(watchCmd, []string{"ag-1"}))
	require.Error(t, watchCmd.Args(watchCmd, []string{"ag-1", "ag-2"}))
}

func TestSetVersion(t *testing.T) {
	old := rootCmd.Version
	defer SetVersion(old)

	SetVersion("1.2.3 (commit: abc, built: now)")
	assert.Equal(t, "1.2.3 (commit: abc, built: now)", rootCmd.Version)
}

func TestOpenBackend_UnknownDriver(t *testing.T) {
	prev := cfg
	defer func() { cfg = prev }()
	cfg = config.Defaults()
	cfg.Store.Driver = "cassandra"

	_, _, _, err := openBackend(context.Background(), bus.New(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}

func TestOpenBackend_Memory(t *testing.T) {
	prev := cfg
	defer func() { cfg = prev }()
	cfg = config.Defaults()
	cfg.Store.Driver = "memory"

	backend, pub, stop, err := openBackend(context.Background(), bus.New(), false)
	require.NoError(t, err)
	defer stop()

	require.NotNil(t, backend)
	require.NotNil(t, pub)

	// The memory backend is immediately usable.
	st := store.New(backend, pub)
	p, err := st.CreateProject(context.Background(), "demo", "Scratch")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
}

func TestOpenBackend_SQLiteWithoutWatcher(t *testing.T) {
	prev := cfg
	defer func() { cfg = prev }()
	cfg = config.Defaults()
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "relay.db")

	backend, pub, stop, err := openBackend(context.Background(), bus.New(), false)
	require.NoError(t, err)
	defer stop()

	require.NotNil(t, backend)
	require.NotNil(t, pub)
}
