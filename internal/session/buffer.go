// Package session owns session records and their per-session state: the
// message buffer the handler aggregates into, the lifecycle manager with its
// timeout scan, and the routing maps linking sessions to assistant sessions.
package session

import (
	"sync"

	"github.com/aicli/companion/pkg/aicli"
)

// recentMessageLimit bounds the by-id map used for paginated catch-up.
const recentMessageLimit = 200

// Deliverable is a code block extracted from assistant output.
type Deliverable struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Buffer accumulates assistant events for one session between a prompt and
// its final result.
type Buffer struct {
	mu sync.Mutex

	assistantMessages []*aicli.Event
	deliverables      []Deliverable
	systemInit        *aicli.Event

	permissionRequestSent bool
	toolUseInProgress     bool

	byID    map[string]*aicli.Event
	idOrder []string
}

// NewBuffer creates an empty session buffer.
func NewBuffer() *Buffer {
	return &Buffer{byID: make(map[string]*aicli.Event)}
}

// AppendAssistantMessage records an assistant event and indexes it by
// message id for catch-up reads.
func (b *Buffer) AppendAssistantMessage(event *aicli.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.assistantMessages = append(b.assistantMessages, event)

	if event.Message != nil && event.Message.ID != "" {
		if _, exists := b.byID[event.Message.ID]; !exists {
			b.idOrder = append(b.idOrder, event.Message.ID)
		}
		b.byID[event.Message.ID] = event
		for len(b.idOrder) > recentMessageLimit {
			delete(b.byID, b.idOrder[0])
			b.idOrder = b.idOrder[1:]
		}
	}
}

// AddDeliverables appends extracted code blocks.
func (b *Buffer) AddDeliverables(items []Deliverable) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverables = append(b.deliverables, items...)
}

// SetSystemInit stores the session's system init event.
func (b *Buffer) SetSystemInit(event *aicli.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.systemInit = event
}

// MarkPermissionRequestSent flags that a permission prompt was forwarded.
func (b *Buffer) MarkPermissionRequestSent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permissionRequestSent = true
}

// MarkToolUseInProgress flags an in-flight tool invocation.
func (b *Buffer) MarkToolUseInProgress() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toolUseInProgress = true
}

// Snapshot is a point-in-time copy of the buffer for readers.
type Snapshot struct {
	AssistantMessages     []*aicli.Event `json:"assistantMessages"`
	Deliverables          []Deliverable  `json:"deliverables"`
	SystemInit            *aicli.Event   `json:"systemInit,omitempty"`
	PermissionRequestSent bool           `json:"permissionRequestSent"`
	ToolUseInProgress     bool           `json:"toolUseInProgress"`
}

// Snapshot returns a copy of the buffer contents.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	messages := make([]*aicli.Event, len(b.assistantMessages))
	copy(messages, b.assistantMessages)
	deliverables := make([]Deliverable, len(b.deliverables))
	copy(deliverables, b.deliverables)

	return Snapshot{
		AssistantMessages:     messages,
		Deliverables:          deliverables,
		SystemInit:            b.systemInit,
		PermissionRequestSent: b.permissionRequestSent,
		ToolUseInProgress:     b.toolUseInProgress,
	}
}

// MessageByID returns a buffered message for catch-up, if still retained.
func (b *Buffer) MessageByID(id string) (*aicli.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	event, ok := b.byID[id]
	return event, ok
}

// Clear resets the buffer to empty arrays and cleared flags.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.assistantMessages = nil
	b.deliverables = nil
	b.systemInit = nil
	b.permissionRequestSent = false
	b.toolUseInProgress = false
	b.byID = make(map[string]*aicli.Event)
	b.idOrder = nil
}
