// Package broadcast translates session and process events into wire messages
// and delivers them: fan-out to WebSocket subscribers when any are connected,
// otherwise queue for replay plus push handoff for events that must not wait.
package broadcast

import (
	"context"

	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/internal/messagequeue"
	"github.com/aicli/companion/internal/push"
	"github.com/aicli/companion/internal/session"
	"github.com/aicli/companion/internal/streamparser"
	"github.com/aicli/companion/pkg/aicli"
	"github.com/aicli/companion/pkg/wire"
)

// Fanout is the subscriber-facing side of the gateway hub.
type Fanout interface {
	BroadcastToSession(sessionID string, msg *wire.Message) int
	SendToClient(clientID string, msg *wire.Message) bool
	HasSubscribers(sessionID string) bool
}

// Queue holds undelivered messages per session.
type Queue interface {
	Enqueue(sessionID string, msg *wire.Message) *messagequeue.QueuedMessage
	Drain(sessionID string) []*wire.Message
	Evict(sessionID string)
}

// Pusher hands events to the push channel.
type Pusher interface {
	Notify(ctx context.Context, note push.Notification)
}

// Broadcaster routes egress messages for sessions.
type Broadcaster struct {
	fanout Fanout
	queue  Queue
	pusher Pusher
	logger *logger.Logger
}

// NewBroadcaster creates a broadcaster. pusher may be nil.
func NewBroadcaster(fanout Fanout, queue Queue, pusher Pusher, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		fanout: fanout,
		queue:  queue,
		pusher: pusher,
		logger: log.WithFields(zap.String("component", "broadcaster")),
	}
}

// deliver fans the message out to the session's subscribers. With nobody
// subscribed it is queued for replay, and the push channel is notified when
// note is non-nil.
func (b *Broadcaster) deliver(ctx context.Context, sessionID string, msg *wire.Message, note *push.Notification) {
	if delivered := b.fanout.BroadcastToSession(sessionID, msg); delivered > 0 {
		if msg.IsComplete {
			b.logger.Info("final message delivered",
				zap.String("session_id", sessionID),
				zap.String("type", msg.Type),
				zap.Int("subscribers", delivered))
		}
		return
	}

	b.queue.Enqueue(sessionID, msg)
	if note != nil && b.pusher != nil {
		b.pusher.Notify(ctx, *note)
	}
}

// SendMessage delivers a message to one client directly.
func (b *Broadcaster) SendMessage(clientID string, msg *wire.Message) bool {
	return b.fanout.SendToClient(clientID, msg)
}

// SendErrorMessage delivers an error message to one client.
func (b *Broadcaster) SendErrorMessage(clientID, requestID, code, message string, details map[string]interface{}) {
	b.fanout.SendToClient(clientID, wire.NewErrorMessage(requestID, code, message, details))
}

// ReplayQueued drains the session's queue into a single client. Used when a
// client subscribes (or re-subscribes) to a session.
func (b *Broadcaster) ReplayQueued(clientID, sessionID string) int {
	msgs := b.queue.Drain(sessionID)
	for _, msg := range msgs {
		b.fanout.SendToClient(clientID, msg)
	}
	if len(msgs) > 0 {
		b.logger.Info("queued messages replayed",
			zap.String("client_id", clientID),
			zap.String("session_id", sessionID),
			zap.Int("messages", len(msgs)))
	}
	return len(msgs)
}

// SystemInit announces the assistant's init event for a session.
func (b *Broadcaster) SystemInit(ctx context.Context, sessionID string, event *aicli.Event) {
	msg, err := wire.NewMessage(wire.TypeSystemInit, "", map[string]interface{}{
		"sessionId":          sessionID,
		"assistantSessionId": event.SessionID,
		"cwd":                event.Cwd,
		"model":              event.Model,
		"tools":              event.Tools,
	})
	if err != nil {
		b.logger.Error("failed to build systemInit", zap.Error(err))
		return
	}
	b.deliver(ctx, sessionID, msg, nil)
}

// AssistantMessage delivers one buffered assistant turn.
func (b *Broadcaster) AssistantMessage(ctx context.Context, sessionID string, event *aicli.Event) {
	msg, err := wire.NewMessage(wire.TypeAssistantMessage, "", map[string]interface{}{
		"sessionId": sessionID,
		"content":   event.TextContent(),
	})
	if err != nil {
		b.logger.Error("failed to build assistantMessage", zap.Error(err))
		return
	}
	b.deliver(ctx, sessionID, msg, nil)
}

// ToolUse announces a tool invocation.
func (b *Broadcaster) ToolUse(ctx context.Context, sessionID, toolName string) {
	msg, err := wire.NewMessage(wire.TypeToolUse, "", map[string]interface{}{
		"sessionId": sessionID,
		"toolName":  toolName,
	})
	if err != nil {
		return
	}
	b.deliver(ctx, sessionID, msg, nil)
}

// ToolResult forwards a tool result event without buffering it.
func (b *Broadcaster) ToolResult(ctx context.Context, sessionID string, event *aicli.Event) {
	msg, err := wire.NewMessage(wire.TypeToolResult, "", map[string]interface{}{
		"sessionId": sessionID,
		"toolId":    event.ToolID,
		"isError":   event.IsError,
	})
	if err != nil {
		return
	}
	b.deliver(ctx, sessionID, msg, nil)
}

// PermissionRequired asks the subscribers (or the push channel) to approve.
func (b *Broadcaster) PermissionRequired(ctx context.Context, sessionID, requestID, prompt string) {
	msg, err := wire.NewMessage(wire.TypePermissionRequired, requestID, map[string]interface{}{
		"sessionId": sessionID,
		"prompt":    prompt,
	})
	if err != nil {
		return
	}
	b.deliver(ctx, sessionID, msg, &push.Notification{
		EventType: wire.TypePermissionRequired,
		Title:     "Permission required",
		Body:      prompt,
		SessionID: sessionID,
	})
}

// FinalResult delivers the aggregated response followed by the conversation
// result. Both carry isComplete.
func (b *Broadcaster) FinalResult(ctx context.Context, sessionID, requestID string, agg *session.Aggregation) {
	if agg == nil {
		return
	}

	respMsg, err := wire.NewMessage(wire.TypeAssistantMessage, requestID, agg.AssistantResponse)
	if err != nil {
		b.logger.Error("failed to build aggregated response", zap.Error(err))
		return
	}
	respMsg.IsComplete = true
	b.deliver(ctx, sessionID, respMsg, nil)

	resultMsg, err := wire.NewMessage(wire.TypeConversationResult, requestID, agg.ConversationResult)
	if err != nil {
		b.logger.Error("failed to build conversationResult", zap.Error(err))
		return
	}
	resultMsg.IsComplete = true

	body := "Conversation complete"
	if success, ok := agg.ConversationResult["success"].(bool); ok && !success {
		body = "Conversation finished with errors"
	}
	b.deliver(ctx, sessionID, resultMsg, &push.Notification{
		EventType: wire.TypeConversationResult,
		Title:     "Assistant finished",
		Body:      body,
		SessionID: sessionID,
	})
}

// StreamChunk delivers one parsed free-text chunk.
func (b *Broadcaster) StreamChunk(ctx context.Context, sessionID string, chunk streamparser.Chunk) {
	msg, err := wire.NewMessage(wire.TypeStreamChunk, "", map[string]interface{}{
		"sessionId": sessionID,
		"chunk":     chunk,
	})
	if err != nil {
		return
	}
	msg.IsComplete = chunk.Type == streamparser.ChunkComplete
	b.deliver(ctx, sessionID, msg, nil)
}

// CommandProgress reports a coarse execution stage to subscribers.
func (b *Broadcaster) CommandProgress(ctx context.Context, sessionID, stage string) {
	msg, err := wire.NewMessage(wire.TypeCommandProgress, "", map[string]interface{}{
		"sessionId": sessionID,
		"stage":     stage,
	})
	if err != nil {
		return
	}
	b.deliver(ctx, sessionID, msg, nil)
}

// StreamError reports a stream-level failure.
func (b *Broadcaster) StreamError(ctx context.Context, sessionID, requestID, message string) {
	msg, err := wire.NewMessage(wire.TypeStreamError, requestID, map[string]interface{}{
		"sessionId": sessionID,
		"error":     message,
	})
	if err != nil {
		return
	}
	b.deliver(ctx, sessionID, msg, nil)
}

// ProcessStart announces the assistant subprocess starting.
func (b *Broadcaster) ProcessStart(ctx context.Context, sessionID string, pid int) {
	msg, err := wire.NewMessage(wire.TypeProcessStart, "", map[string]interface{}{
		"sessionId": sessionID,
		"pid":       pid,
	})
	if err != nil {
		return
	}
	b.deliver(ctx, sessionID, msg, nil)
}

// ProcessExit announces the subprocess exiting.
func (b *Broadcaster) ProcessExit(ctx context.Context, sessionID string, exitCode int, stderr string) {
	data := map[string]interface{}{
		"sessionId": sessionID,
		"exitCode":  exitCode,
	}
	if exitCode != 0 && stderr != "" {
		data["stderr"] = stderr
	}
	msg, err := wire.NewMessage(wire.TypeProcessExit, "", data)
	if err != nil {
		return
	}

	var note *push.Notification
	if exitCode != 0 {
		note = &push.Notification{
			EventType: wire.TypeProcessExit,
			Title:     "Assistant process exited",
			Body:      "The assistant process ended unexpectedly",
			SessionID: sessionID,
		}
	}
	b.deliver(ctx, sessionID, msg, note)
}

// SessionClosed announces a closed session and evicts its queue.
func (b *Broadcaster) SessionClosed(ctx context.Context, sessionID, reason string) {
	msg, err := wire.NewMessage(wire.TypeSessionClosed, "", map[string]interface{}{
		"sessionId": sessionID,
		"reason":    reason,
	})
	if err != nil {
		return
	}
	b.fanout.BroadcastToSession(sessionID, msg)
	b.queue.Evict(sessionID)
}

// SessionWarning warns subscribers that the session is about to expire.
func (b *Broadcaster) SessionWarning(ctx context.Context, sessionID string, minutesLeft int) {
	msg, err := wire.NewMessage(wire.TypeSessionWarning, "", map[string]interface{}{
		"sessionId":   sessionID,
		"minutesLeft": minutesLeft,
	})
	if err != nil {
		return
	}
	b.deliver(ctx, sessionID, msg, &push.Notification{
		EventType: wire.TypeSessionWarning,
		Title:     "Session expiring soon",
		Body:      "An idle session will be closed shortly",
		SessionID: sessionID,
	})
}
