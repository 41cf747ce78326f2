// Package wire defines the WebSocket wire protocol between clients and the
// companion server: the message envelope, the recognized message types, and
// the dispatcher that routes ingress messages to handlers.
package wire

import (
	"encoding/json"
	"time"
)

// Message is the envelope for all wire messages in both directions.
// Ingress messages carry Type and Data; egress messages additionally carry
// Timestamp and, where relevant, Error, IsComplete, and Metadata.
type Message struct {
	Type       string                 `json:"type"`
	RequestID  string                 `json:"requestId,omitempty"`
	Data       json.RawMessage        `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitzero"`
	Error      *ErrorPayload          `json:"error,omitempty"`
	IsComplete bool                   `json:"isComplete,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ErrorPayload carries a stable error code plus a human-readable message.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Stable error codes surfaced to clients.
const (
	ErrorCodeInvalidMessage  = "INVALID_MESSAGE"
	ErrorCodeUnknownType     = "UNKNOWN_TYPE"
	ErrorCodeBlockedCommand  = "BLOCKED_COMMAND"
	ErrorCodeReadOnlyMode    = "READONLY_MODE"
	ErrorCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrorCodeSessionBusy     = "SESSION_BUSY"
	ErrorCodeMaxSessions     = "MAX_SESSIONS"
	ErrorCodeInternal        = "INTERNAL_ERROR"
)

// NewMessage creates an egress message with the payload marshaled into Data.
func NewMessage(msgType, requestID string, payload interface{}) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Message{
		Type:      msgType,
		RequestID: requestID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorMessage creates an egress error message.
func NewErrorMessage(requestID, code, message string, details map[string]interface{}) *Message {
	return &Message{
		Type:      TypeError,
		RequestID: requestID,
		Error: &ErrorPayload{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}
}

// ParseData parses the message data into the given struct.
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Decode parses raw bytes into a Message and validates the envelope.
// A non-object payload, a missing/empty type, or a non-string requestId all
// yield an INVALID_MESSAGE error payload the caller can send back verbatim.
func Decode(raw []byte) (*Message, *ErrorPayload) {
	// Probe the envelope with loose types first so a numeric requestId is
	// reported as INVALID_MESSAGE instead of a generic unmarshal failure.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &ErrorPayload{Code: ErrorCodeInvalidMessage, Message: "message must be a JSON object"}
	}

	typeRaw, ok := probe["type"]
	if !ok {
		return nil, &ErrorPayload{Code: ErrorCodeInvalidMessage, Message: "missing required field: type"}
	}
	var msgType string
	if err := json.Unmarshal(typeRaw, &msgType); err != nil || msgType == "" {
		return nil, &ErrorPayload{Code: ErrorCodeInvalidMessage, Message: "type must be a non-empty string"}
	}

	if idRaw, ok := probe["requestId"]; ok {
		var requestID string
		if err := json.Unmarshal(idRaw, &requestID); err != nil {
			return nil, &ErrorPayload{Code: ErrorCodeInvalidMessage, Message: "requestId must be a string"}
		}
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ErrorPayload{Code: ErrorCodeInvalidMessage, Message: "malformed message: " + err.Error()}
	}

	// Clients may put payload fields at the top level instead of under data.
	// Preserve the raw envelope so typed payload parsing can fall back to it.
	if msg.Data == nil {
		msg.Data = raw
	}

	return &msg, nil
}
