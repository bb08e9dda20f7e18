// ABOUTME: Tests for SQLite store setup, servers and server-agent associations
// ABOUTME: Provides the shared newTestStore and fixture helpers for the package

package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.CreateServer(t.Context(), &MessageServer{ID: "s1", Name: "one"}))
	require.NoError(t, store.Close())

	// Schema creation and migrations must be safe to run again
	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetServer(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := t.Context()
	require.NoError(t, store.CreateServer(ctx, &MessageServer{ID: "s1", Name: "mem"}))
	ch := &MessageChannel{ID: "c1", MessageServerID: "s1", Name: "general"}
	require.NoError(t, store.CreateChannel(ctx, ch, []string{"u1"}))

	participants, err := store.GetParticipants(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, participants)
}

func TestCreateAndGetServer(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	server := &MessageServer{
		Name:     "Guild",
		SourceID: "guild-123",
		Metadata: Document(`{"region":"eu"}`),
	}
	require.NoError(t, store.CreateServer(ctx, server))
	require.NotEmpty(t, server.ID)
	assert.Equal(t, SourceTypeHub, server.SourceType)

	got, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "Guild", got.Name)
	assert.Equal(t, "guild-123", got.SourceID)
	assert.Equal(t, "eu", got.Metadata.StringAt("region"))
	assert.True(t, got.CreatedAt.Equal(server.CreatedAt))
}

func TestCreateServer_Duplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.CreateServer(ctx, &MessageServer{ID: "s1", Name: "a"}))
	err := store.CreateServer(ctx, &MessageServer{ID: "s1", Name: "b"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetServer_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetServer(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListServers(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	servers, err := store.ListServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, servers)

	createServer(t, store, "s1")
	createServer(t, store, "s2")

	servers, err = store.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "s1", servers[0].ID)
	assert.Equal(t, "s2", servers[1].ID)
}

func TestServerAgents(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	createServer(t, store, "s1")
	createServer(t, store, "s2")

	require.NoError(t, store.AddAgentToServer(ctx, "s1", "agent-a"))
	require.NoError(t, store.AddAgentToServer(ctx, "s1", "agent-a"))
	require.NoError(t, store.AddAgentToServer(ctx, "s1", "agent-b"))
	require.NoError(t, store.AddAgentToServer(ctx, "s2", "agent-a"))

	agents, err := store.ListAgentsForServer(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, agents)

	servers, err := store.ListServersForAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, servers)

	require.NoError(t, store.RemoveAgentFromServer(ctx, "s1", "agent-a"))
	require.NoError(t, store.RemoveAgentFromServer(ctx, "s1", "agent-a"))

	agents, err = store.ListAgentsForServer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-b"}, agents)
}

func TestAddAgentToServer_Errors(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	err := store.AddAgentToServer(ctx, "missing", "agent-a")
	assert.ErrorIs(t, err, ErrNotFound)

	createServer(t, store, "s1")
	err = store.AddAgentToServer(ctx, "s1", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestIsConstraintViolation(t *testing.T) {
	assert.False(t, isConstraintViolation(nil))
	assert.True(t, isConstraintViolation(errors.New("UNIQUE constraint failed: message_servers.id")))
	assert.False(t, isConstraintViolation(errors.New("disk I/O error")))
}

// newTestStore creates a file-backed store that is closed when the test ends
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func createServer(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, store.CreateServer(t.Context(), &MessageServer{ID: id, Name: "server " + id}))
}

func createChannel(t *testing.T, store *SQLiteStore, serverID, id string, participants ...string) *MessageChannel {
	t.Helper()
	ch := &MessageChannel{ID: id, MessageServerID: serverID, Name: "channel " + id}
	require.NoError(t, store.CreateChannel(t.Context(), ch, participants))
	return ch
}
