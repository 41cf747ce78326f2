// Package orchestrator wires ingress wire messages through security, session
// management, and the process runner, and routes assistant stream events back
// out through the broadcaster.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aicli/companion/internal/broadcast"
	"github.com/aicli/companion/internal/common/config"
	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/internal/events/bus"
	gatewayws "github.com/aicli/companion/internal/gateway/websocket"
	"github.com/aicli/companion/internal/process"
	"github.com/aicli/companion/internal/push"
	"github.com/aicli/companion/internal/security"
	"github.com/aicli/companion/internal/session"
	"github.com/aicli/companion/internal/streamparser"
	"github.com/aicli/companion/pkg/aicli"
	"github.com/aicli/companion/pkg/wire"
)

// pendingPermission is a one-shot record of an outstanding permission prompt.
type pendingPermission struct {
	RequestID string
	Prompt    string
}

// Orchestrator is the entry point tying ingress to the session pipeline.
type Orchestrator struct {
	sessCfg     config.SessionsConfig
	manager     *session.Manager
	runner      *process.Runner
	validator   *security.Validator
	handler     *session.Handler
	broadcaster *broadcast.Broadcaster
	hub         *gatewayws.Hub
	notifier    *push.Notifier
	bus         bus.EventBus
	tracer      trace.Tracer
	logger      *logger.Logger

	mu          sync.Mutex
	parsers     map[string]*streamparser.Parser
	permissions map[string]*pendingPermission // session id -> pending prompt

	subs []bus.Subscription
}

// New creates the orchestrator.
func New(
	sessCfg config.SessionsConfig,
	manager *session.Manager,
	runner *process.Runner,
	validator *security.Validator,
	handler *session.Handler,
	broadcaster *broadcast.Broadcaster,
	hub *gatewayws.Hub,
	notifier *push.Notifier,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessCfg:     sessCfg,
		manager:     manager,
		runner:      runner,
		validator:   validator,
		handler:     handler,
		broadcaster: broadcaster,
		hub:         hub,
		notifier:    notifier,
		bus:         eventBus,
		tracer:      otel.Tracer("companion/orchestrator"),
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		parsers:     make(map[string]*streamparser.Parser),
		permissions: make(map[string]*pendingPermission),
	}
}

// RegisterHandlers binds every ingress message type to the dispatcher.
func (o *Orchestrator) RegisterHandlers(d *wire.Dispatcher) {
	d.RegisterFunc(wire.TypeAsk, o.handleAsk)
	d.RegisterFunc(wire.TypeStreamStart, o.handleStreamStart)
	d.RegisterFunc(wire.TypeStreamSend, o.handleStreamSend)
	d.RegisterFunc(wire.TypeStreamClose, o.handleStreamClose)
	d.RegisterFunc(wire.TypePermission, o.handlePermission)
	d.RegisterFunc(wire.TypeSubscribe, o.handleSubscribe)
	d.RegisterFunc(wire.TypeSetWorkingDirectory, o.handleSetWorkingDirectory)
	d.RegisterFunc(wire.TypeClientBackgrounding, o.handleClientBackgrounding)
	d.RegisterFunc(wire.TypeRegisterDevice, o.handleRegisterDevice)
	d.RegisterFunc(wire.TypeCommand, o.handleCommand)

	o.hub.SetSubscribeHook(func(clientID, sessionID string) {
		o.broadcaster.ReplayQueued(clientID, sessionID)
		o.manager.MarkSessionForegrounded(sessionID)
	})
}

// Start subscribes to the internal bus subjects that become egress traffic.
func (o *Orchestrator) Start(ctx context.Context) error {
	subjects := map[string]bus.EventHandler{
		bus.SubjectProcessStart: func(_ context.Context, e *bus.Event) error {
			o.broadcaster.ProcessStart(ctx, eventString(e, "sessionId"), eventInt(e, "pid"))
			return nil
		},
		bus.SubjectProcessExit: func(_ context.Context, e *bus.Event) error {
			o.onProcessExit(ctx, e)
			return nil
		},
		bus.SubjectSessionWarning: func(_ context.Context, e *bus.Event) error {
			o.broadcaster.SessionWarning(ctx, eventString(e, "sessionId"), o.warningMinutes())
			return nil
		},
		bus.SubjectSessionCleaned: func(_ context.Context, e *bus.Event) error {
			sessionID := eventString(e, "sessionId")
			o.dropSessionState(sessionID)
			o.broadcaster.SessionClosed(ctx, sessionID, eventString(e, "reason"))
			return nil
		},
		bus.SubjectStreamError: func(_ context.Context, e *bus.Event) error {
			o.broadcaster.StreamError(ctx, eventString(e, "sessionId"), "", eventString(e, "error"))
			return nil
		},
	}

	for subject, handler := range subjects {
		sub, err := o.bus.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		o.subs = append(o.subs, sub)
	}
	return nil
}

// Stop tears down the bus subscriptions.
func (o *Orchestrator) Stop() {
	for _, sub := range o.subs {
		_ = sub.Unsubscribe()
	}
	o.subs = nil
}

// warningMinutes is how long a warned session has left before expiry.
func (o *Orchestrator) warningMinutes() int {
	gap := o.sessCfg.SessionTimeout - o.sessCfg.SessionWarningTime
	if gap <= 0 {
		return 60
	}
	return int(gap.Minutes())
}

func (o *Orchestrator) onProcessExit(ctx context.Context, e *bus.Event) {
	sessionID := eventString(e, "sessionId")
	exitCode := eventInt(e, "exitCode")

	o.broadcaster.ProcessExit(ctx, sessionID, exitCode, eventString(e, "stderr"))

	// An exit while the session record still exists means the process died
	// out from under it.
	if o.manager.GetSession(sessionID) != nil {
		o.manager.CleanupDeadSession(sessionID)
	}
}

// dropSessionState forgets the per-session parser and pending permission.
func (o *Orchestrator) dropSessionState(sessionID string) {
	o.mu.Lock()
	delete(o.parsers, sessionID)
	delete(o.permissions, sessionID)
	o.mu.Unlock()
}

// ensureSession creates or reuses a session for the directory and attaches
// the stream handlers to its subprocess.
func (o *Orchestrator) ensureSession(ctx context.Context, sessionID, prompt, workingDirectory string, skipPermissions bool) (session.CreateResult, error) {
	result, err := o.manager.CreateInteractiveSession(ctx, sessionID, prompt, workingDirectory, skipPermissions)
	if err != nil {
		return result, err
	}
	if !result.Reused {
		o.attachStreamHandlers(result.SessionID)
	}
	return result, nil
}

// attachStreamHandlers routes the subprocess's stdout into the event pipeline
// and the free-text parser.
func (o *Orchestrator) attachStreamHandlers(sessionID string) {
	proc, ok := o.runner.Get(sessionID)
	if !ok {
		o.logger.Warn("no subprocess to attach handlers to", zap.String("session_id", sessionID))
		return
	}

	o.mu.Lock()
	parser := streamparser.New()
	o.parsers[sessionID] = parser
	o.mu.Unlock()

	proc.Client().SetEventHandler(func(event *aicli.Event) {
		o.onAssistantEvent(context.Background(), sessionID, event)
	})
	proc.Client().SetRawHandler(func(line []byte) {
		for _, chunk := range parser.ParseData(append(line, '\n'), false) {
			o.broadcaster.StreamChunk(context.Background(), sessionID, chunk)
		}
	})
}

// onAssistantEvent classifies one parsed event and routes the verdict.
func (o *Orchestrator) onAssistantEvent(ctx context.Context, sessionID string, event *aicli.Event) {
	buffer := o.manager.GetSessionBuffer(sessionID)
	if buffer == nil {
		o.logger.Warn("event for unknown session", zap.String("session_id", sessionID))
		return
	}

	o.manager.UpdateSessionActivity(sessionID)

	verdict := o.handler.HandleEvent(buffer, event, session.AggregateOptions{
		IsLongRunningCompletion: !o.hub.HasSubscribers(sessionID),
	})

	switch verdict.Action {
	case session.ActionBuffer:
		if event.Type == aicli.EventTypeSystem && event.Subtype == aicli.SubtypeInit {
			if event.SessionID != "" {
				o.manager.MapAssistantSession(sessionID, event.SessionID)
			}
			o.broadcaster.SystemInit(ctx, sessionID, event)
			return
		}
		o.broadcaster.AssistantMessage(ctx, sessionID, event)

	case session.ActionToolUse:
		o.broadcaster.ToolUse(ctx, sessionID, verdict.ToolName)

	case session.ActionPermissionRequest:
		o.onPermissionPrompt(ctx, sessionID, verdict.Prompt)

	case session.ActionFinalResult:
		o.onFinalResult(ctx, sessionID, event, verdict.Aggregation)

	case session.ActionSkip:
		if event != nil && event.Type == aicli.EventTypeToolResult {
			o.broadcaster.ToolResult(ctx, sessionID, event)
		}

	case session.ActionError:
		o.logger.Error("handler rejected event", zap.String("session_id", sessionID))
	}
}

// onPermissionPrompt records a one-shot pending prompt and fans it out. A new
// prompt replaces any unanswered one.
func (o *Orchestrator) onPermissionPrompt(ctx context.Context, sessionID, prompt string) {
	requestID := uuid.New().String()

	o.mu.Lock()
	o.permissions[sessionID] = &pendingPermission{RequestID: requestID, Prompt: prompt}
	o.mu.Unlock()

	o.broadcaster.PermissionRequired(ctx, sessionID, requestID, prompt)
	o.publish(bus.SubjectPermission, map[string]interface{}{
		"sessionId": sessionID,
		"requestId": requestID,
		"prompt":    prompt,
	})
}

func (o *Orchestrator) onFinalResult(ctx context.Context, sessionID string, event *aicli.Event, agg *session.Aggregation) {
	o.manager.MarkConversationStarted(sessionID)
	o.manager.SetSessionProcessing(sessionID, false)

	o.broadcaster.FinalResult(ctx, sessionID, "", agg)
	o.runner.NotifyResult(sessionID, !event.IsError, nil)
}

// executePrompt runs one prompt against the session's subprocess, reporting
// progress and errors on the stream.
func (o *Orchestrator) executePrompt(ctx context.Context, sessionID, requestID, prompt string) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_prompt",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("prompt.length", len(prompt)),
		))
	defer span.End()

	// the ingress handler claimed the session via BeginProcessing
	defer o.manager.SetSessionProcessing(sessionID, false)

	o.broadcaster.CommandProgress(ctx, sessionID, "running")

	if err := o.runner.ExecuteCommand(ctx, sessionID, prompt); err != nil {
		span.RecordError(err)
		wrapped := fmt.Errorf("Claude Code execution failed: %w", err)
		o.logger.Error("prompt execution failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		o.broadcaster.StreamError(ctx, sessionID, requestID, wrapped.Error())
		return
	}

	// flush any trailing free-text held by the parser
	o.mu.Lock()
	parser := o.parsers[sessionID]
	o.mu.Unlock()
	if parser != nil {
		for _, chunk := range parser.ParseData(nil, true) {
			o.broadcaster.StreamChunk(ctx, sessionID, chunk)
		}
	}

	o.manager.UpdateSessionActivity(sessionID)
}

// ------------------------------------------------------------------
// ingress handlers

func (o *Orchestrator) handleAsk(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	var req wire.AskRequest
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	result, err := o.ensureSession(ctx, req.SessionID, req.Prompt, req.WorkingDirectory, false)
	if err != nil {
		return o.createErrorMessage(msg.RequestID, result, err), nil
	}

	o.hub.SubscribeClient(clientID, result.SessionID)
	if !o.manager.BeginProcessing(result.SessionID) {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeSessionBusy,
			"Session is already processing a prompt", nil), nil
	}
	go o.executePrompt(context.Background(), result.SessionID, msg.RequestID, req.Prompt)

	return wire.NewMessage(wire.TypeSessionCreated, msg.RequestID, result)
}

func (o *Orchestrator) handleStreamStart(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	var req wire.StreamStartRequest
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	result, err := o.ensureSession(ctx, req.SessionID, "", req.WorkingDirectory, req.SkipPermissions)
	if err != nil {
		return o.createErrorMessage(msg.RequestID, result, err), nil
	}

	o.hub.SubscribeClient(clientID, result.SessionID)
	return wire.NewMessage(wire.TypeSessionCreated, msg.RequestID, result)
}

func (o *Orchestrator) handleStreamSend(ctx context.Context, _ string, msg *wire.Message) (*wire.Message, error) {
	var req wire.StreamSendRequest
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	if o.manager.GetSession(req.SessionID) == nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeSessionNotFound,
			"Session not found: "+req.SessionID, nil), nil
	}

	if !o.manager.BeginProcessing(req.SessionID) {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeSessionBusy,
			"Session is already processing a prompt", nil), nil
	}

	go o.executePrompt(context.Background(), req.SessionID, msg.RequestID, req.Prompt)
	return nil, nil
}

func (o *Orchestrator) handleStreamClose(_ context.Context, _ string, msg *wire.Message) (*wire.Message, error) {
	var req wire.StreamCloseRequest
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	result := o.manager.CloseSession(req.SessionID)
	if !result.Success {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeSessionNotFound, result.Message, nil), nil
	}
	return wire.NewMessage(wire.TypeSessionClosed, msg.RequestID, map[string]interface{}{
		"sessionId": req.SessionID,
		"reason":    session.ReasonUserRequested,
	})
}

// approvalTokens maps normalized permission responses to the single
// character forwarded to the assistant's stdin.
var approvalTokens = map[string]string{
	"y": "y", "yes": "y", "approve": "y", "allow": "y",
	"ok": "y", "proceed": "y", "continue": "y",
	"n": "n", "no": "n", "deny": "n", "reject": "n",
}

func (o *Orchestrator) handlePermission(_ context.Context, _ string, msg *wire.Message) (*wire.Message, error) {
	var req wire.PermissionResponse
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	o.mu.Lock()
	pending := o.permissions[req.SessionID]
	delete(o.permissions, req.SessionID)
	o.mu.Unlock()

	if pending == nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage,
			"No pending permission request for session", nil), nil
	}

	answer, ok := approvalTokens[strings.ToLower(strings.TrimSpace(req.Response))]
	if !ok {
		// unrecognized responses are forwarded verbatim; the assistant asked
		// the question, it gets to interpret the answer
		answer = req.Response
	}

	proc, found := o.runner.Get(req.SessionID)
	if !found {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeSessionNotFound,
			"Session not found: "+req.SessionID, nil), nil
	}
	if err := proc.Client().SendRaw(answer); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInternal,
			"Failed to forward permission response: "+err.Error(), nil), nil
	}

	o.manager.UpdateSessionActivity(req.SessionID)
	o.logger.Info("permission response forwarded",
		zap.String("session_id", req.SessionID),
		zap.String("answer", answer))
	return nil, nil
}

func (o *Orchestrator) handleSubscribe(_ context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	var req wire.SubscribeRequest
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	if o.manager.GetSession(req.SessionID) == nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeSessionNotFound,
			"Session not found: "+req.SessionID, nil), nil
	}

	o.hub.SubscribeClient(clientID, req.SessionID)
	return wire.NewMessage(wire.TypeSubscribed, msg.RequestID, map[string]interface{}{
		"sessionId": req.SessionID,
	})
}

func (o *Orchestrator) handleSetWorkingDirectory(_ context.Context, _ string, msg *wire.Message) (*wire.Message, error) {
	var req wire.SetWorkingDirectoryRequest
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	if err := o.manager.ValidateWorkingDirectory(req.Path); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	return wire.NewMessage(wire.TypeWorkingDirectorySet, msg.RequestID, map[string]interface{}{
		"path": req.Path,
	})
}

func (o *Orchestrator) handleClientBackgrounding(_ context.Context, _ string, msg *wire.Message) (*wire.Message, error) {
	var req wire.ClientBackgroundingRequest
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	o.manager.MarkSessionBackgrounded(req.SessionID)
	return nil, nil
}

func (o *Orchestrator) handleRegisterDevice(_ context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	var req wire.RegisterDeviceRequest
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	o.notifier.RegisterDevice(req.DeviceID, req.DeviceToken, req.Platform)
	o.hub.UpdateFingerprint(clientID, gatewayws.Fingerprint(req.DeviceID, ""))
	o.publish(bus.SubjectDeviceRegister, map[string]interface{}{
		"deviceId": req.DeviceID,
		"platform": req.Platform,
	})

	return wire.NewMessage(wire.TypeDeviceRegistered, msg.RequestID, map[string]interface{}{
		"deviceId": req.DeviceID,
	})
}

func (o *Orchestrator) handleCommand(ctx context.Context, clientID string, msg *wire.Message) (*wire.Message, error) {
	var req wire.CommandRequest
	if err := msg.ParseData(&req); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}
	if err := req.Validate(); err != nil {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInvalidMessage, err.Error(), nil), nil
	}

	check := o.validator.ValidateCommand(req.Command, req.Cwd)
	if !check.Allowed {
		code := check.Code
		if code == "" {
			code = wire.ErrorCodeBlockedCommand
		}
		return wire.NewErrorMessage(msg.RequestID, code, check.Reason, map[string]interface{}{
			"command": req.Command,
		}), nil
	}

	if check.RequiresConfirmation {
		permissionID := o.validator.RequestPermission(req.Command, req.Cwd)
		return wire.NewMessage(wire.TypePermissionRequired, msg.RequestID, map[string]interface{}{
			"permissionId": permissionID,
			"prompt":       fmt.Sprintf("Allow running %q? (y/n)", req.Command),
		})
	}

	result, err := o.ensureSession(ctx, "", req.Command, req.Cwd, false)
	if err != nil {
		return o.createErrorMessage(msg.RequestID, result, err), nil
	}

	o.hub.SubscribeClient(clientID, result.SessionID)
	if !o.manager.BeginProcessing(result.SessionID) {
		return wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeSessionBusy,
			"Session is already processing a prompt", nil), nil
	}
	go o.executePrompt(context.Background(), result.SessionID, msg.RequestID, req.Command)

	return wire.NewMessage(wire.TypeSessionCreated, msg.RequestID, result)
}

// createErrorMessage maps session-creation failures to wire error codes.
func (o *Orchestrator) createErrorMessage(requestID string, result session.CreateResult, err error) *wire.Message {
	code := wire.ErrorCodeInternal
	switch {
	case errors.Is(err, session.ErrMaxSessions):
		code = wire.ErrorCodeMaxSessions
	case errors.Is(err, session.ErrInvalidDirectory), strings.HasPrefix(result.Message, "Access denied"):
		code = wire.ErrorCodeInvalidMessage
	}
	message := result.Message
	if message == "" {
		message = err.Error()
	}
	return wire.NewErrorMessage(requestID, code, message, nil)
}

func (o *Orchestrator) publish(subject string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		o.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func eventString(e *bus.Event, key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

func eventInt(e *bus.Event, key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
