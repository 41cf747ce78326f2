package wire

import "fmt"

// Ingress message types (client -> server).
const (
	TypeAsk                 = "ask"
	TypeStreamStart         = "streamStart"
	TypeStreamSend          = "streamSend"
	TypeStreamClose         = "streamClose"
	TypePermission          = "permission"
	TypeSubscribe           = "subscribe"
	TypeSetWorkingDirectory = "setWorkingDirectory"
	TypePing                = "ping"
	TypeClientBackgrounding = "client_backgrounding"
	TypeRegisterDevice      = "registerDevice"
	TypeCommand             = "aicliCommand"
)

// Egress message types (server -> client).
const (
	TypePong                = "pong"
	TypeError               = "error"
	TypeStreamData          = "streamData"
	TypeSystemInit          = "systemInit"
	TypeAssistantMessage    = "assistantMessage"
	TypeToolUse             = "toolUse"
	TypeToolResult          = "toolResult"
	TypeConversationResult  = "conversationResult"
	TypePermissionRequired  = "permissionRequired"
	TypeProcessStart        = "processStart"
	TypeProcessExit         = "processExit"
	TypeStreamChunk         = "streamChunk"
	TypeCommandProgress     = "commandProgress"
	TypeStreamError         = "streamError"
	TypeSessionCreated      = "sessionCreated"
	TypeSessionClosed       = "sessionClosed"
	TypeSessionWarning      = "sessionWarning"
	TypeDeviceRegistered    = "deviceRegistered"
	TypeWorkingDirectorySet = "workingDirectorySet"
	TypeSubscribed          = "subscribed"
)

// AskRequest is a one-shot prompt outside an interactive stream.
type AskRequest struct {
	Prompt           string `json:"prompt"`
	SessionID        string `json:"sessionId,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Format           string `json:"format,omitempty"`
}

// Validate checks required fields.
func (r *AskRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("missing required field: prompt")
	}
	return nil
}

// StreamStartRequest creates (or reuses) an interactive session.
type StreamStartRequest struct {
	WorkingDirectory string `json:"workingDirectory"`
	SessionID        string `json:"sessionId,omitempty"`
	SkipPermissions  bool   `json:"skipPermissions,omitempty"`
}

func (r *StreamStartRequest) Validate() error {
	if r.WorkingDirectory == "" {
		return fmt.Errorf("missing required field: workingDirectory")
	}
	return nil
}

// StreamSendRequest appends a prompt to an existing session.
type StreamSendRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

func (r *StreamSendRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("missing required field: sessionId")
	}
	if r.Prompt == "" {
		return fmt.Errorf("missing required field: prompt")
	}
	return nil
}

// StreamCloseRequest closes a session.
type StreamCloseRequest struct {
	SessionID string `json:"sessionId"`
}

func (r *StreamCloseRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("missing required field: sessionId")
	}
	return nil
}

// PermissionResponse forwards the user's answer to a pending permission prompt.
type PermissionResponse struct {
	SessionID string `json:"sessionId"`
	Response  string `json:"response"`
	RequestID string `json:"requestId,omitempty"`
}

func (r *PermissionResponse) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("missing required field: sessionId")
	}
	if r.Response == "" {
		return fmt.Errorf("missing required field: response")
	}
	return nil
}

// SubscribeRequest adds the client to a session's subscriber set.
type SubscribeRequest struct {
	SessionID string `json:"sessionId"`
}

func (r *SubscribeRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("missing required field: sessionId")
	}
	return nil
}

// SetWorkingDirectoryRequest validates a working directory for the client.
type SetWorkingDirectoryRequest struct {
	Path string `json:"path"`
}

func (r *SetWorkingDirectoryRequest) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("missing required field: path")
	}
	return nil
}

// ClientBackgroundingRequest marks a session as backgrounded on the client.
type ClientBackgroundingRequest struct {
	SessionID string `json:"sessionId"`
}

func (r *ClientBackgroundingRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("missing required field: sessionId")
	}
	return nil
}

// RegisterDeviceRequest updates the client's device fingerprint.
type RegisterDeviceRequest struct {
	DeviceID    string `json:"deviceId"`
	DeviceToken string `json:"deviceToken,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

func (r *RegisterDeviceRequest) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("missing required field: deviceId")
	}
	return nil
}

// CommandRequest runs a raw assistant CLI command through the policy gate.
type CommandRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

func (r *CommandRequest) Validate() error {
	if r.Command == "" {
		return fmt.Errorf("missing required field: command")
	}
	if r.Cwd == "" {
		return fmt.Errorf("missing required field: cwd")
	}
	return nil
}
