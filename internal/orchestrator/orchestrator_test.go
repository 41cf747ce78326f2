package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicli/companion/internal/broadcast"
	"github.com/aicli/companion/internal/common/config"
	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/internal/events/bus"
	gatewayws "github.com/aicli/companion/internal/gateway/websocket"
	"github.com/aicli/companion/internal/messagequeue"
	"github.com/aicli/companion/internal/process"
	"github.com/aicli/companion/internal/push"
	"github.com/aicli/companion/internal/security"
	"github.com/aicli/companion/internal/session"
	"github.com/aicli/companion/pkg/aicli"
	"github.com/aicli/companion/pkg/wire"
)

type fakeSpawner struct {
	spawned []string
	stopped []string
}

func (f *fakeSpawner) Spawn(_ context.Context, sessionID, _ string, _ bool) error {
	f.spawned = append(f.spawned, sessionID)
	return nil
}

func (f *fakeSpawner) Stop(sessionID string) error {
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeSpawner) Kill(sessionID string) error {
	f.stopped = append(f.stopped, sessionID)
	return nil
}

type testEnv struct {
	orch       *Orchestrator
	dispatcher *wire.Dispatcher
	manager    *session.Manager
	queue      *messagequeue.Service
	spawner    *fakeSpawner
}

func setupOrchestrator(t *testing.T) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	sessCfg := config.SessionsConfig{
		MaxSessions:             10,
		SessionTimeout:          24 * time.Hour,
		SessionWarningTime:      23 * time.Hour,
		MinTimeoutCheckInterval: time.Minute,
	}

	memBus := bus.NewMemoryEventBus(log)
	spawner := &fakeSpawner{}
	queue := messagequeue.NewService(100, time.Hour, log)
	manager := session.NewManager(sessCfg, spawner, memBus, queue, nil, log)

	dispatcher := wire.NewDispatcher()
	history := gatewayws.NewConnectionHistory(time.Minute, nil, log)
	hub := gatewayws.NewHub(dispatcher, history, log)

	notifier := push.NewNotifier(nil, log)
	broadcaster := broadcast.NewBroadcaster(hub, queue, notifier, log)

	secCfg, err := security.NewConfig(security.PresetStandard, nil, nil, false, true, 0)
	require.NoError(t, err)
	validator := security.NewValidator(secCfg, log)

	runner := process.NewRunner(config.AssistantConfig{Binary: "claude"}, memBus, log)
	handler := session.NewHandler(log)

	orch := New(sessCfg, manager, runner, validator, handler, broadcaster, hub, notifier, memBus, log)
	orch.RegisterHandlers(dispatcher)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)

	return &testEnv{
		orch:       orch,
		dispatcher: dispatcher,
		manager:    manager,
		queue:      queue,
		spawner:    spawner,
	}
}

func dispatch(t *testing.T, env *testEnv, msgType, requestID string, payload interface{}) *wire.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := env.dispatcher.Dispatch(context.Background(), "client-1", &wire.Message{
		Type:      msgType,
		RequestID: requestID,
		Data:      data,
	})
	require.NoError(t, err)
	return resp
}

func TestAskRequiresPrompt(t *testing.T) {
	env := setupOrchestrator(t)

	resp := dispatch(t, env, wire.TypeAsk, "r1", map[string]string{})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrorCodeInvalidMessage, resp.Error.Code)
}

func TestStreamStartCreatesAndReusesSession(t *testing.T) {
	env := setupOrchestrator(t)
	dir := t.TempDir()

	resp := dispatch(t, env, wire.TypeStreamStart, "r1", map[string]string{"workingDirectory": dir})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Equal(t, wire.TypeSessionCreated, resp.Type)

	var result session.CreateResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	require.True(t, result.Success)
	assert.False(t, result.Reused)
	require.Len(t, env.spawner.spawned, 1)

	resp = dispatch(t, env, wire.TypeStreamStart, "r2", map[string]string{"workingDirectory": dir})
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.True(t, result.Reused)
	assert.Len(t, env.spawner.spawned, 1)
}

func TestStreamSendUnknownSession(t *testing.T) {
	env := setupOrchestrator(t)

	resp := dispatch(t, env, wire.TypeStreamSend, "r1", map[string]string{
		"sessionId": "nope",
		"prompt":    "hello",
	})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrorCodeSessionNotFound, resp.Error.Code)
}

func TestSubscribeUnknownSession(t *testing.T) {
	env := setupOrchestrator(t)

	resp := dispatch(t, env, wire.TypeSubscribe, "r1", map[string]string{"sessionId": "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrorCodeSessionNotFound, resp.Error.Code)
}

func TestStreamCloseUnknownSession(t *testing.T) {
	env := setupOrchestrator(t)

	resp := dispatch(t, env, wire.TypeStreamClose, "r1", map[string]string{"sessionId": "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrorCodeSessionNotFound, resp.Error.Code)
}

func TestStreamCloseStopsSubprocess(t *testing.T) {
	env := setupOrchestrator(t)
	dir := t.TempDir()

	resp := dispatch(t, env, wire.TypeStreamStart, "r1", map[string]string{"workingDirectory": dir})
	var result session.CreateResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))

	resp = dispatch(t, env, wire.TypeStreamClose, "r2", map[string]string{"sessionId": result.SessionID})
	require.Nil(t, resp.Error)
	assert.Equal(t, wire.TypeSessionClosed, resp.Type)
	assert.Contains(t, env.spawner.stopped, result.SessionID)
	assert.Nil(t, env.manager.GetSession(result.SessionID))
}

func TestStreamSendRejectsPromptWhileProcessing(t *testing.T) {
	env := setupOrchestrator(t)
	dir := t.TempDir()

	resp := dispatch(t, env, wire.TypeStreamStart, "r1", map[string]string{"workingDirectory": dir})
	var result session.CreateResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	id := result.SessionID

	require.True(t, env.manager.BeginProcessing(id))

	resp = dispatch(t, env, wire.TypeStreamSend, "r2", map[string]string{
		"sessionId": id,
		"prompt":    "second prompt",
	})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrorCodeSessionBusy, resp.Error.Code)

	sess := env.manager.GetSession(id)
	require.NotNil(t, sess)
	assert.True(t, sess.IsProcessing, "rejected prompt must not release the running one")
}

func TestSetWorkingDirectoryValidation(t *testing.T) {
	env := setupOrchestrator(t)

	resp := dispatch(t, env, wire.TypeSetWorkingDirectory, "r1", map[string]string{"path": t.TempDir()})
	require.Nil(t, resp.Error)
	assert.Equal(t, wire.TypeWorkingDirectorySet, resp.Type)

	resp = dispatch(t, env, wire.TypeSetWorkingDirectory, "r2", map[string]string{"path": "relative/path"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrorCodeInvalidMessage, resp.Error.Code)
}

func TestPermissionWithoutPendingRequest(t *testing.T) {
	env := setupOrchestrator(t)

	resp := dispatch(t, env, wire.TypePermission, "r1", map[string]string{
		"sessionId": "s1",
		"response":  "yes",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrorCodeInvalidMessage, resp.Error.Code)
}

func TestRegisterDevice(t *testing.T) {
	env := setupOrchestrator(t)

	resp := dispatch(t, env, wire.TypeRegisterDevice, "r1", map[string]string{
		"deviceId": "d1",
		"platform": "ios",
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, wire.TypeDeviceRegistered, resp.Type)
}

func TestCommandBlockedByPolicy(t *testing.T) {
	env := setupOrchestrator(t)

	resp := dispatch(t, env, wire.TypeCommand, "r1", map[string]string{
		"command": "rm -rf /",
		"cwd":     "/tmp",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.ErrorCodeBlockedCommand, resp.Error.Code)
}

func TestAssistantEventBuffersAndQueues(t *testing.T) {
	env := setupOrchestrator(t)
	dir := t.TempDir()

	resp := dispatch(t, env, wire.TypeStreamStart, "r1", map[string]string{"workingDirectory": dir})
	var result session.CreateResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	id := result.SessionID

	env.orch.onAssistantEvent(context.Background(), id, &aicli.Event{
		Type: aicli.EventTypeAssistant,
		Message: &aicli.MessageBody{
			Role:    "assistant",
			Content: []aicli.ContentBlock{{Type: "text", Text: "Hello"}},
		},
	})

	buf := env.manager.GetSessionBuffer(id)
	require.NotNil(t, buf)
	assert.Len(t, buf.Snapshot().AssistantMessages, 1)

	// no subscriber connected, so the message is queued
	msgs := env.queue.Drain(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.TypeAssistantMessage, msgs[0].Type)
}

func TestFinalResultAggregatesAndCompletes(t *testing.T) {
	env := setupOrchestrator(t)
	dir := t.TempDir()

	resp := dispatch(t, env, wire.TypeStreamStart, "r1", map[string]string{"workingDirectory": dir})
	var result session.CreateResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	id := result.SessionID

	env.orch.onAssistantEvent(context.Background(), id, &aicli.Event{
		Type: aicli.EventTypeAssistant,
		Message: &aicli.MessageBody{
			Role:    "assistant",
			Content: []aicli.ContentBlock{{Type: "text", Text: "Hello"}},
		},
	})
	env.orch.onAssistantEvent(context.Background(), id, &aicli.Event{
		Type:      aicli.EventTypeResult,
		Subtype:   aicli.SubtypeSuccess,
		SessionID: "asst-1",
		Result:    json.RawMessage(`"Done"`),
	})

	sess := env.manager.GetSession(id)
	require.NotNil(t, sess)
	assert.True(t, sess.ConversationStarted)
	assert.False(t, sess.IsProcessing)

	msgs := env.queue.Drain(id)
	require.Len(t, msgs, 3)
	assert.Equal(t, wire.TypeAssistantMessage, msgs[0].Type)
	assert.Equal(t, wire.TypeAssistantMessage, msgs[1].Type)
	assert.True(t, msgs[1].IsComplete)
	assert.Equal(t, wire.TypeConversationResult, msgs[2].Type)
	assert.True(t, msgs[2].IsComplete)
}

func TestPermissionPromptRoundTrip(t *testing.T) {
	env := setupOrchestrator(t)
	dir := t.TempDir()

	resp := dispatch(t, env, wire.TypeStreamStart, "r1", map[string]string{"workingDirectory": dir})
	var result session.CreateResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	id := result.SessionID

	env.orch.onAssistantEvent(context.Background(), id, &aicli.Event{
		Type: aicli.EventTypeAssistant,
		Message: &aicli.MessageBody{
			Role:    "assistant",
			Content: []aicli.ContentBlock{{Type: "text", Text: "Should I write the file? (y/n)"}},
		},
	})

	env.orch.mu.Lock()
	pending := env.orch.permissions[id]
	env.orch.mu.Unlock()
	require.NotNil(t, pending)
	assert.Equal(t, "Should I write the file? (y/n)", pending.Prompt)

	msgs := env.queue.Drain(id)
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.TypePermissionRequired, msgs[0].Type)
}
