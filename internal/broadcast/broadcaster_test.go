package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/internal/messagequeue"
	"github.com/aicli/companion/internal/push"
	"github.com/aicli/companion/internal/session"
	"github.com/aicli/companion/pkg/aicli"
	"github.com/aicli/companion/pkg/wire"
)

type fakeFanout struct {
	subscribed map[string]bool
	broadcasts map[string][]*wire.Message
	direct     map[string][]*wire.Message
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{
		subscribed: make(map[string]bool),
		broadcasts: make(map[string][]*wire.Message),
		direct:     make(map[string][]*wire.Message),
	}
}

func (f *fakeFanout) BroadcastToSession(sessionID string, msg *wire.Message) int {
	if !f.subscribed[sessionID] {
		return 0
	}
	f.broadcasts[sessionID] = append(f.broadcasts[sessionID], msg)
	return 1
}

func (f *fakeFanout) SendToClient(clientID string, msg *wire.Message) bool {
	f.direct[clientID] = append(f.direct[clientID], msg)
	return true
}

func (f *fakeFanout) HasSubscribers(sessionID string) bool {
	return f.subscribed[sessionID]
}

type fakePusher struct {
	notes []push.Notification
}

func (p *fakePusher) Notify(_ context.Context, note push.Notification) {
	p.notes = append(p.notes, note)
}

func setupBroadcaster(t *testing.T) (*Broadcaster, *fakeFanout, *messagequeue.Service, *fakePusher) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	fanout := newFakeFanout()
	queue := messagequeue.NewService(100, time.Hour, log)
	pusher := &fakePusher{}
	return NewBroadcaster(fanout, queue, pusher, log), fanout, queue, pusher
}

func assistantEvent(text string) *aicli.Event {
	return &aicli.Event{
		Type: aicli.EventTypeAssistant,
		Message: &aicli.MessageBody{
			Role:    "assistant",
			Content: []aicli.ContentBlock{{Type: "text", Text: text}},
		},
	}
}

func TestDeliverToSubscriber(t *testing.T) {
	b, fanout, queue, pusher := setupBroadcaster(t)
	fanout.subscribed["s1"] = true

	b.AssistantMessage(context.Background(), "s1", assistantEvent("hello"))

	require.Len(t, fanout.broadcasts["s1"], 1)
	assert.Equal(t, wire.TypeAssistantMessage, fanout.broadcasts["s1"][0].Type)
	assert.Zero(t, queue.QueueLength("s1"))
	assert.Empty(t, pusher.notes)
}

func TestQueueWhenNoSubscriber(t *testing.T) {
	b, fanout, queue, pusher := setupBroadcaster(t)

	b.AssistantMessage(context.Background(), "s1", assistantEvent("hello"))

	assert.Empty(t, fanout.broadcasts["s1"])
	assert.Equal(t, 1, queue.QueueLength("s1"))
	// Plain assistant messages do not trigger push handoff.
	assert.Empty(t, pusher.notes)
}

func TestPermissionRequiredPushHandoff(t *testing.T) {
	b, _, queue, pusher := setupBroadcaster(t)

	b.PermissionRequired(context.Background(), "s1", "r1", "Should I delete the file? (y/n)")

	assert.Equal(t, 1, queue.QueueLength("s1"))
	require.Len(t, pusher.notes, 1)
	assert.Equal(t, wire.TypePermissionRequired, pusher.notes[0].EventType)
	assert.Equal(t, "s1", pusher.notes[0].SessionID)
}

func TestFinalResultDeliversBothMessages(t *testing.T) {
	b, fanout, _, _ := setupBroadcaster(t)
	fanout.subscribed["s1"] = true

	agg := &session.Aggregation{
		AssistantResponse:  map[string]interface{}{"type": "assistant_response", "content": "done"},
		ConversationResult: map[string]interface{}{"type": "final_result", "success": true},
	}
	b.FinalResult(context.Background(), "s1", "r1", agg)

	msgs := fanout.broadcasts["s1"]
	require.Len(t, msgs, 2)
	assert.Equal(t, wire.TypeAssistantMessage, msgs[0].Type)
	assert.True(t, msgs[0].IsComplete)
	assert.Equal(t, wire.TypeConversationResult, msgs[1].Type)
	assert.True(t, msgs[1].IsComplete)
	assert.Equal(t, "r1", msgs[1].RequestID)
}

func TestFinalResultPushWhenUnsubscribed(t *testing.T) {
	b, _, queue, pusher := setupBroadcaster(t)

	agg := &session.Aggregation{
		AssistantResponse:  map[string]interface{}{"content": "done"},
		ConversationResult: map[string]interface{}{"success": false},
	}
	b.FinalResult(context.Background(), "s1", "", agg)

	assert.Equal(t, 2, queue.QueueLength("s1"))
	require.Len(t, pusher.notes, 1)
	assert.Equal(t, wire.TypeConversationResult, pusher.notes[0].EventType)
	assert.Equal(t, "Conversation finished with errors", pusher.notes[0].Body)
}

func TestReplayQueued(t *testing.T) {
	b, fanout, _, _ := setupBroadcaster(t)

	b.AssistantMessage(context.Background(), "s1", assistantEvent("one"))
	b.ToolUse(context.Background(), "s1", "Read")

	n := b.ReplayQueued("c1", "s1")
	assert.Equal(t, 2, n)
	require.Len(t, fanout.direct["c1"], 2)
	assert.Equal(t, wire.TypeAssistantMessage, fanout.direct["c1"][0].Type)
	assert.Equal(t, wire.TypeToolUse, fanout.direct["c1"][1].Type)

	assert.Zero(t, b.ReplayQueued("c1", "s1"))
}

func TestSessionClosedEvictsQueue(t *testing.T) {
	b, fanout, queue, _ := setupBroadcaster(t)

	b.AssistantMessage(context.Background(), "s1", assistantEvent("stale"))
	require.Equal(t, 1, queue.QueueLength("s1"))

	b.SessionClosed(context.Background(), "s1", "user_requested")
	assert.Zero(t, queue.QueueLength("s1"))
	assert.Empty(t, fanout.broadcasts["s1"])
}

func TestProcessExitFailurePushes(t *testing.T) {
	b, _, _, pusher := setupBroadcaster(t)

	b.ProcessExit(context.Background(), "s1", 1, "boom")
	require.Len(t, pusher.notes, 1)
	assert.Equal(t, wire.TypeProcessExit, pusher.notes[0].EventType)

	b.ProcessExit(context.Background(), "s1", 0, "")
	assert.Len(t, pusher.notes, 1)
}
