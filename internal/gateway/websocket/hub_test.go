package websocket

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/pkg/wire"
)

func newTestHub(t *testing.T, window time.Duration) (*Hub, *ConnectionHistory) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	history := NewConnectionHistory(window, nil, log)
	hub := NewHub(wire.NewDispatcher(), history, log)
	return hub, history
}

func newTestClient(hub *Hub, id, fingerprint string) *Client {
	c := &Client{
		ID:            id,
		Fingerprint:   fingerprint,
		hub:           hub,
		send:          make(chan []byte, 16),
		subscriptions: make(map[string]bool),
		logger:        hub.logger,
	}
	c.alive.Store(true)
	return c
}

func TestSubscribeAndBroadcast(t *testing.T) {
	hub, _ := newTestHub(t, time.Minute)

	c1 := newTestClient(hub, "c1", "device:d1")
	c2 := newTestClient(hub, "c2", "device:d2")
	hub.addClient(c1)
	hub.addClient(c2)

	hub.Subscribe(c1, "s1")
	assert.True(t, hub.HasSubscribers("s1"))
	assert.False(t, hub.HasSubscribers("s2"))

	msg, err := wire.NewMessage(wire.TypeAssistantMessage, "", map[string]string{"content": "hi"})
	require.NoError(t, err)

	delivered := hub.BroadcastToSession("s1", msg)
	assert.Equal(t, 1, delivered)

	raw := <-c1.send
	var got wire.Message
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, wire.TypeAssistantMessage, got.Type)

	select {
	case <-c2.send:
		t.Fatal("unsubscribed client received session message")
	default:
	}
}

func TestSendToClient(t *testing.T) {
	hub, _ := newTestHub(t, time.Minute)

	c1 := newTestClient(hub, "c1", "device:d1")
	hub.addClient(c1)

	msg, err := wire.NewMessage(wire.TypeSessionCreated, "r1", map[string]string{"sessionId": "s1"})
	require.NoError(t, err)

	assert.True(t, hub.SendToClient("c1", msg))
	assert.False(t, hub.SendToClient("missing", msg))
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	hub, _ := newTestHub(t, time.Minute)

	c1 := newTestClient(hub, "c1", "device:d1")
	hub.addClient(c1)
	hub.Subscribe(c1, "s1")
	hub.Unsubscribe(c1, "s1")

	assert.False(t, hub.HasSubscribers("s1"))
	assert.Empty(t, hub.ClientSessions("c1"))
}

func TestReconnectionInheritsSubscriptions(t *testing.T) {
	hub, history := newTestHub(t, time.Minute)

	c1 := newTestClient(hub, "c1", "device:d1")
	hub.addClient(c1)
	hub.Subscribe(c1, "s1")
	hub.Subscribe(c1, "s2")
	hub.removeClient(c1)

	rec, ok := history.Lookup("device:d1")
	require.True(t, ok)
	assert.Equal(t, "c1", rec.LastClientID)

	// New connection with the same fingerprint inherits the set.
	c2 := newTestClient(hub, "c2", "device:d1")
	c2.IsReconnection = true
	c2.PreviousClientID = rec.LastClientID
	c2.restoreSessions = rec.SessionIDs
	hub.addClient(c2)

	sessions := hub.ClientSessions("c2")
	sort.Strings(sessions)
	assert.Equal(t, []string{"s1", "s2"}, sessions)
	assert.True(t, hub.HasSubscribers("s1"))
	assert.True(t, hub.HasSubscribers("s2"))
}

func TestHistoryWindowExpiry(t *testing.T) {
	hub, history := newTestHub(t, 10*time.Millisecond)

	c1 := newTestClient(hub, "c1", "device:d1")
	hub.addClient(c1)
	hub.Subscribe(c1, "s1")
	hub.removeClient(c1)

	time.Sleep(30 * time.Millisecond)

	_, ok := history.Lookup("device:d1")
	assert.False(t, ok)
}

func TestSubscribeHookFires(t *testing.T) {
	hub, _ := newTestHub(t, time.Minute)

	var hooked []string
	hub.SetSubscribeHook(func(clientID, sessionID string) {
		hooked = append(hooked, clientID+":"+sessionID)
	})

	c1 := newTestClient(hub, "c1", "device:d1")
	hub.addClient(c1)
	hub.Subscribe(c1, "s1")

	assert.Equal(t, []string{"c1:s1"}, hooked)
}

func TestUpdateFingerprint(t *testing.T) {
	hub, history := newTestHub(t, time.Minute)

	c1 := newTestClient(hub, "c1", "ua:abcdef0123456789")
	hub.addClient(c1)
	hub.Subscribe(c1, "s1")

	require.True(t, hub.UpdateFingerprint("c1", "device:d9"))

	rec, ok := history.Lookup("device:d9")
	require.True(t, ok)
	assert.Equal(t, []string{"s1"}, rec.SessionIDs)
	assert.False(t, hub.UpdateFingerprint("missing", "device:x"))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "device:d1", Fingerprint("d1", "Mozilla/5.0"))

	ua := Fingerprint("", "Mozilla/5.0")
	assert.Equal(t, ua, Fingerprint("", "Mozilla/5.0"))
	assert.NotEqual(t, ua, Fingerprint("", "curl/8.0"))
	assert.Len(t, ua, len("ua:")+16)
}
