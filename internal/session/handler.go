package session

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/pkg/aicli"
)

// Action is the verdict the handler assigns to one assistant event.
type Action string

const (
	ActionBuffer            Action = "buffer"
	ActionPermissionRequest Action = "permission_request"
	ActionToolUse           Action = "tool_use"
	ActionFinalResult       Action = "final_result"
	ActionSkip              Action = "skip"
	ActionError             Action = "error"
)

// Verdict is the handler's decision for one event, with any payload the
// broadcaster needs.
type Verdict struct {
	Action Action
	// Prompt is set for permission_request verdicts.
	Prompt string
	// ToolName is set for tool_use verdicts.
	ToolName string
	// Aggregation is set for final_result verdicts.
	Aggregation *Aggregation
}

// Handler classifies assistant events against a session buffer.
type Handler struct {
	logger *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(log *logger.Logger) *Handler {
	return &Handler{logger: log.WithFields(zap.String("component", "message-handler"))}
}

// AggregateOptions tune final-result aggregation.
type AggregateOptions struct {
	// IsLongRunningCompletion marks results delivered after the client went
	// away; the aggregate payload then carries the full content for push.
	IsLongRunningCompletion bool
}

// HandleEvent examines one parsed event and returns the action verdict.
func (h *Handler) HandleEvent(buffer *Buffer, event *aicli.Event, opts AggregateOptions) Verdict {
	if buffer == nil {
		h.logger.Error("handle event called with nil buffer")
		return Verdict{Action: ActionError}
	}
	if event == nil {
		return Verdict{Action: ActionSkip}
	}

	switch event.Type {
	case aicli.EventTypeSystem:
		if event.Subtype == aicli.SubtypeInit {
			buffer.SetSystemInit(event)
			return Verdict{Action: ActionBuffer}
		}
		return Verdict{Action: ActionSkip}

	case aicli.EventTypeAssistant:
		return h.handleAssistant(buffer, event)

	case aicli.EventTypeUser, aicli.EventTypeToolResult:
		return Verdict{Action: ActionSkip}

	case aicli.EventTypeResult:
		return Verdict{
			Action:      ActionFinalResult,
			Aggregation: h.aggregate(buffer, event, opts),
		}

	default:
		return Verdict{Action: ActionSkip}
	}
}

func (h *Handler) handleAssistant(buffer *Buffer, event *aicli.Event) Verdict {
	if event.Message == nil || len(event.Message.Content) == 0 {
		return Verdict{Action: ActionSkip}
	}

	for _, block := range event.Message.Content {
		if block.Type == "tool_use" {
			buffer.MarkToolUseInProgress()
			return Verdict{Action: ActionToolUse, ToolName: block.Name}
		}
	}

	text := event.TextContent()
	if ContainsPermissionRequest(text) {
		buffer.MarkPermissionRequestSent()
		return Verdict{
			Action: ActionPermissionRequest,
			Prompt: ExtractPermissionPrompt(text),
		}
	}

	buffer.AddDeliverables(ExtractCodeBlocks(text))
	buffer.AppendAssistantMessage(event)
	return Verdict{Action: ActionBuffer}
}

// Aggregation is the pair of wire-ready payloads produced on final_result.
type Aggregation struct {
	AssistantResponse  map[string]interface{}
	ConversationResult map[string]interface{}
}

func (h *Handler) aggregate(buffer *Buffer, event *aicli.Event, opts AggregateOptions) *Aggregation {
	snap := buffer.Snapshot()

	var parts []string
	for _, msg := range snap.AssistantMessages {
		if text := msg.TextContent(); text != "" {
			parts = append(parts, text)
		}
	}
	content := strings.Join(parts, "\n\n")

	assistantResponse := map[string]interface{}{
		"type":         "assistant_response",
		"content":      content,
		"messageCount": len(snap.AssistantMessages),
		"deliverables": snap.Deliverables,
	}

	resultText := event.GetResultString()
	conversationResult := map[string]interface{}{
		"type":      "final_result",
		"success":   !event.IsError,
		"result":    resultText,
		"sessionId": event.SessionID,
		"duration":  event.DurationMS,
		"cost":      event.TotalCostUSD,
	}
	if event.Usage != nil {
		conversationResult["usage"] = event.Usage
	}

	if opts.IsLongRunningCompletion {
		conversationResult["aggregatedContent"] = content
		conversationResult["sendAggregated"] = true
	}

	if snap.PermissionRequestSent && ContainsPermissionRequest(resultText) {
		conversationResult["embeddedPermission"] = map[string]interface{}{
			"prompt": ExtractPermissionPrompt(resultText),
		}
	}

	return &Aggregation{
		AssistantResponse:  assistantResponse,
		ConversationResult: conversationResult,
	}
}

var permissionPhrases = []string{
	"(y/n)",
	"(yes/no)",
	"would you like",
	"should i",
	"may i",
	"can i",
	"do you want",
}

var yesNoAffordanceRe = regexp.MustCompile(`(?is)\?\s*.{0,40}\b(yes|no|y/n)\b`)

// ContainsPermissionRequest reports whether the text is asking the user for
// approval to proceed.
func ContainsPermissionRequest(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range permissionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return yesNoAffordanceRe.MatchString(text)
}

// ExtractPermissionPrompt returns the minimal prompt for the client: the last
// sentence ending with "?", else the last non-empty line, else a fixed
// fallback.
func ExtractPermissionPrompt(text string) string {
	var lastQuestion string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '?':
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				lastQuestion = s
			}
			start = i + 1
		case '.', '!', '\n':
			start = i + 1
		}
	}
	if lastQuestion != "" {
		return lastQuestion
	}

	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "Permission required to proceed"
}

var codeBlockRe = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)\\n(.*?)```")

// ExtractCodeBlocks parses fenced code blocks out of text. The language
// defaults to "text" when the fence has none.
func ExtractCodeBlocks(text string) []Deliverable {
	var out []Deliverable
	for _, m := range codeBlockRe.FindAllStringSubmatch(text, -1) {
		language := m[1]
		if language == "" {
			language = "text"
		}
		out = append(out, Deliverable{
			Language: language,
			Code:     strings.TrimSuffix(m[2], "\n"),
		})
	}
	return out
}
