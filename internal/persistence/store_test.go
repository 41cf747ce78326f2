package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicli/companion/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store, err := Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConnectionHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveConnection("device:d1", "client-1", []string{"s1", "s2"}))

	rec, err := store.ConnectionFor("device:d1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "client-1", rec.LastClientID)
	assert.Equal(t, []string{"s1", "s2"}, rec.SessionIDs)
}

func TestConnectionHistoryUpsert(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveConnection("device:d1", "client-1", []string{"s1"}))
	require.NoError(t, store.SaveConnection("device:d1", "client-2", []string{"s1", "s3"}))

	rec, err := store.ConnectionFor("device:d1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "client-2", rec.LastClientID)
	assert.Equal(t, []string{"s1", "s3"}, rec.SessionIDs)
}

func TestConnectionForUnknownFingerprint(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.ConnectionFor("device:missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRoutingRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveRouting("s1", "/home/user/project", ""))

	id, ok := store.SessionForDirectory("/home/user/project")
	require.True(t, ok)
	assert.Equal(t, "s1", id)

	_, ok = store.SessionForDirectory("/home/user/other")
	assert.False(t, ok)
}

func TestRoutingKeepsAssistantSessionOnUpdate(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveRouting("s1", "/home/user/project", "asst-1"))
	// an update without an assistant id must not clear the binding
	require.NoError(t, store.SaveRouting("s1", "/home/user/project", ""))

	id, ok := store.AssistantSessionFor("s1")
	require.True(t, ok)
	assert.Equal(t, "asst-1", id)
}

func TestDeleteRouting(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveRouting("s1", "/home/user/project", "asst-1"))
	require.NoError(t, store.DeleteRouting("s1"))

	_, ok := store.SessionForDirectory("/home/user/project")
	assert.False(t, ok)
	_, ok = store.AssistantSessionFor("s1")
	assert.False(t, ok)
}

func TestPruneConnectionsKeepsRecent(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveConnection("device:d1", "client-1", nil))

	n, err := store.PruneConnections()
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := store.ConnectionFor("device:d1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}
