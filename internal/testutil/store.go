// Package testutil seeds stores for sync-layer tests. The builder writes
// through the backend directly, so seeding publishes nothing; tests drive
// live mutations through store.Store when they want change events.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/store"
)

// NewTestStore returns a publishing store over a fresh in-memory backend,
// plus the bus its mutations publish on.
func NewTestStore(t *testing.T) (*store.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	return store.New(store.NewMemory(), b), b
}

// NewTestSQLite returns a store backed by a database file under the
// test's temp dir, for tests that need a real file on disk. The backend
// closes with the test.
func NewTestSQLite(t *testing.T) (*store.Store, *bus.Bus, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	backend, err := store.NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	b := bus.New()
	return store.New(backend, b), b, path
}
