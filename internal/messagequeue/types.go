package messagequeue

import (
	"time"

	"github.com/aicli/companion/pkg/wire"
)

// Priority orders eviction when a session queue overflows. Lower priority
// entries are dropped first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	// PriorityCritical marks final results, permission prompts, and errors.
	// Critical entries are only dropped when nothing else remains.
	PriorityCritical
)

// QueuedMessage is one undelivered wire message held for a session.
type QueuedMessage struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Message    *wire.Message `json:"message"`
	Priority   Priority      `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// PriorityFor classifies a wire message for queueing. Completion and
// permission traffic must survive overflow; everything else is droppable.
func PriorityFor(msg *wire.Message) Priority {
	switch msg.Type {
	case wire.TypeConversationResult, wire.TypePermissionRequired,
		wire.TypeError, wire.TypeSessionClosed, wire.TypeSessionWarning:
		return PriorityCritical
	case wire.TypeStreamChunk, wire.TypeCommandProgress:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
