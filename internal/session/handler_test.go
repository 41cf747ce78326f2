package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/pkg/aicli"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
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

func resultEvent(result string, isError bool, sessionID string) *aicli.Event {
	raw, _ := json.Marshal(result)
	return &aicli.Event{
		Type:      aicli.EventTypeResult,
		Result:    raw,
		IsError:   isError,
		SessionID: sessionID,
	}
}

func TestHandler_BufferAndFinal(t *testing.T) {
	h := NewHandler(newTestLogger(t))
	buf := NewBuffer()

	v := h.HandleEvent(buf, assistantEvent("Hello"), AggregateOptions{})
	assert.Equal(t, ActionBuffer, v.Action)

	v = h.HandleEvent(buf, resultEvent("Done", false, "s1"), AggregateOptions{})
	require.Equal(t, ActionFinalResult, v.Action)
	require.NotNil(t, v.Aggregation)

	assert.Equal(t, "Hello", v.Aggregation.AssistantResponse["content"])
	assert.Equal(t, 1, v.Aggregation.AssistantResponse["messageCount"])
	assert.Equal(t, true, v.Aggregation.ConversationResult["success"])
	assert.Equal(t, "Done", v.Aggregation.ConversationResult["result"])
	assert.Equal(t, "s1", v.Aggregation.ConversationResult["sessionId"])
}

func TestHandler_PermissionDetection(t *testing.T) {
	h := NewHandler(newTestLogger(t))
	buf := NewBuffer()

	v := h.HandleEvent(buf, assistantEvent("Would you like me to proceed with the changes? (y/n)"), AggregateOptions{})
	require.Equal(t, ActionPermissionRequest, v.Action)
	assert.Contains(t, v.Prompt, "Would you like")
	assert.True(t, buf.Snapshot().PermissionRequestSent)
}

func TestHandler_ToolUse(t *testing.T) {
	h := NewHandler(newTestLogger(t))
	buf := NewBuffer()

	event := &aicli.Event{
		Type: aicli.EventTypeAssistant,
		Message: &aicli.MessageBody{Content: []aicli.ContentBlock{
			{Type: "tool_use", Name: "Bash", Input: map[string]any{"command": "ls"}},
		}},
	}
	v := h.HandleEvent(buf, event, AggregateOptions{})
	assert.Equal(t, ActionToolUse, v.Action)
	assert.Equal(t, "Bash", v.ToolName)
	assert.True(t, buf.Snapshot().ToolUseInProgress)
}

func TestHandler_Dispatch(t *testing.T) {
	h := NewHandler(newTestLogger(t))
	buf := NewBuffer()

	t.Run("system init buffers", func(t *testing.T) {
		v := h.HandleEvent(buf, &aicli.Event{Type: aicli.EventTypeSystem, Subtype: aicli.SubtypeInit, SessionID: "s1"}, AggregateOptions{})
		assert.Equal(t, ActionBuffer, v.Action)
		assert.NotNil(t, buf.Snapshot().SystemInit)
	})

	t.Run("other system subtypes skip", func(t *testing.T) {
		v := h.HandleEvent(buf, &aicli.Event{Type: aicli.EventTypeSystem, Subtype: "status"}, AggregateOptions{})
		assert.Equal(t, ActionSkip, v.Action)
	})

	t.Run("user and tool_result skip", func(t *testing.T) {
		assert.Equal(t, ActionSkip, h.HandleEvent(buf, &aicli.Event{Type: aicli.EventTypeUser}, AggregateOptions{}).Action)
		assert.Equal(t, ActionSkip, h.HandleEvent(buf, &aicli.Event{Type: aicli.EventTypeToolResult}, AggregateOptions{}).Action)
	})

	t.Run("assistant without content skips", func(t *testing.T) {
		v := h.HandleEvent(buf, &aicli.Event{Type: aicli.EventTypeAssistant}, AggregateOptions{})
		assert.Equal(t, ActionSkip, v.Action)
	})

	t.Run("unknown type skips", func(t *testing.T) {
		assert.Equal(t, ActionSkip, h.HandleEvent(buf, &aicli.Event{Type: "telemetry"}, AggregateOptions{}).Action)
	})

	t.Run("nil buffer errors", func(t *testing.T) {
		assert.Equal(t, ActionError, h.HandleEvent(nil, assistantEvent("x"), AggregateOptions{}).Action)
	})
}

func TestHandler_CodeExtraction(t *testing.T) {
	h := NewHandler(newTestLogger(t))
	buf := NewBuffer()

	text := "Here is code:\n```javascript\nconst x = 1;\n```\nAnd:\n```python\nprint('hi')\n```"
	v := h.HandleEvent(buf, assistantEvent(text), AggregateOptions{})
	assert.Equal(t, ActionBuffer, v.Action)

	snap := buf.Snapshot()
	require.Len(t, snap.Deliverables, 2)
	assert.Equal(t, "javascript", snap.Deliverables[0].Language)
	assert.Equal(t, "const x = 1;", snap.Deliverables[0].Code)
	assert.Equal(t, "python", snap.Deliverables[1].Language)
	assert.Equal(t, "print('hi')", snap.Deliverables[1].Code)
}

func TestExtractCodeBlocks_DefaultLanguage(t *testing.T) {
	blocks := ExtractCodeBlocks("```\nplain\n```")
	require.Len(t, blocks, 1)
	assert.Equal(t, "text", blocks[0].Language)
	assert.Equal(t, "plain", blocks[0].Code)
}

func TestAggregation_LongRunningAndEmbeddedPermission(t *testing.T) {
	h := NewHandler(newTestLogger(t))
	buf := NewBuffer()

	_ = h.HandleEvent(buf, assistantEvent("Should I delete the old branch? (y/n)"), AggregateOptions{})
	_ = h.HandleEvent(buf, assistantEvent("Working on it"), AggregateOptions{})

	v := h.HandleEvent(buf, resultEvent("Do you want me to continue? (yes/no)", false, "s1"),
		AggregateOptions{IsLongRunningCompletion: true})
	require.Equal(t, ActionFinalResult, v.Action)

	cr := v.Aggregation.ConversationResult
	assert.Equal(t, true, cr["sendAggregated"])
	assert.Equal(t, "Working on it", cr["aggregatedContent"])

	embedded, ok := cr["embeddedPermission"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, embedded["prompt"], "Do you want")
}

func TestExtractPermissionPrompt(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"last question", "I did things. May I write the file? And more text", "May I write the file?"},
		{"last non-empty line", "no questions here\nfinal line", "final line"},
		{"fallback", "", "Permission required to proceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPermissionPrompt(tt.text))
		})
	}
}

func TestContainsPermissionRequest(t *testing.T) {
	assert.True(t, ContainsPermissionRequest("Proceed? (y/n)"))
	assert.True(t, ContainsPermissionRequest("Should I refactor this module?"))
	assert.True(t, ContainsPermissionRequest("Apply the patch now? yes or no"))
	assert.False(t, ContainsPermissionRequest("All done, no action needed."))
	assert.False(t, ContainsPermissionRequest(""))
}

func TestBuffer_ClearRoundTrip(t *testing.T) {
	buf := NewBuffer()
	buf.AppendAssistantMessage(assistantEvent("x"))
	buf.AddDeliverables([]Deliverable{{Language: "go", Code: "y"}})
	buf.MarkPermissionRequestSent()
	buf.MarkToolUseInProgress()

	buf.Clear()
	snap := buf.Snapshot()
	assert.Empty(t, snap.AssistantMessages)
	assert.Empty(t, snap.Deliverables)
	assert.Nil(t, snap.SystemInit)
	assert.False(t, snap.PermissionRequestSent)
	assert.False(t, snap.ToolUseInProgress)
}
