// Package aicli provides types and a client for the assistant CLI's
// stream-json protocol: newline-delimited JSON events on stdout, prompts
// written as user messages on stdin. Lines that are not valid JSON are
// free-form text and are surfaced separately.
package aicli

import "encoding/json"

// Event types emitted by the assistant CLI on stdout.
const (
	// EventTypeSystem is the initial system message with session info
	EventTypeSystem = "system"
	// EventTypeAssistant contains text or tool_use content from the assistant
	EventTypeAssistant = "assistant"
	// EventTypeUser echoes user messages and carries tool_result content
	EventTypeUser = "user"
	// EventTypeToolUse is a standalone tool invocation event
	EventTypeToolUse = "tool_use"
	// EventTypeToolResult is a standalone tool result event
	EventTypeToolResult = "tool_result"
	// EventTypeResult is the final result message for a prompt
	EventTypeResult = "result"
)

// System message subtypes
const (
	SubtypeInit    = "init"
	SubtypeSuccess = "success"
	SubtypeError   = "error"
)

// Event represents one stream-json event from the assistant CLI.
// The event type determines which fields are populated.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system messages
	SessionID  string   `json:"session_id,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	MCPServers []string `json:"mcp_servers,omitempty"`
	Model      string   `json:"model,omitempty"`

	// For assistant and user messages
	Message *MessageBody `json:"message,omitempty"`

	// For tool_use and tool_result events
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput map[string]any  `json:"tool_input,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`

	// For result messages.
	// Result can be either a string or a structured object.
	Result       json.RawMessage `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`

	// Raw holds the original line for re-parsing
	Raw json.RawMessage `json:"-"`
}

// MessageBody contains the content of an assistant or user message.
type MessageBody struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in a message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// GetResultString returns the Result field as a string, or "" when the
// result is absent or structured.
func (e *Event) GetResultString() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err != nil {
		return ""
	}
	return s
}

// TextContent joins the text blocks of the message content.
func (e *Event) TextContent() string {
	if e.Message == nil {
		return ""
	}
	var out string
	for _, block := range e.Message.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += block.Text
	}
	return out
}

// UserMessage is written to stdin to provide a prompt to the assistant.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Tool names the assistant asks permission for.
const (
	ToolBash      = "Bash"
	ToolWrite     = "Write"
	ToolEdit      = "Edit"
	ToolRead      = "Read"
	ToolGlob      = "Glob"
	ToolGrep      = "Grep"
	ToolTask      = "Task"
	ToolWebFetch  = "WebFetch"
	ToolWebSearch = "WebSearch"
)
