// Package messagequeue holds undelivered fan-out messages per session while
// no client is subscribed and replays them on subscribe.
package messagequeue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/pkg/wire"
)

// Service manages queued messages for sessions.
// Uses in-memory storage as queued messages are best-effort and transient.
type Service struct {
	// In-memory storage: sessionID -> FIFO of queued messages
	queues    map[string][]*QueuedMessage
	maxLength int
	maxAge    time.Duration
	mu        sync.Mutex
	logger    *logger.Logger
}

// NewService creates a new message queue service.
func NewService(maxLength int, maxAge time.Duration, log *logger.Logger) *Service {
	if maxLength <= 0 {
		maxLength = 100
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Service{
		queues:    make(map[string][]*QueuedMessage),
		maxLength: maxLength,
		maxAge:    maxAge,
		logger:    log.WithFields(zap.String("component", "message-queue")),
	}
}

// Enqueue appends a message to the session's queue. Ping and pong traffic is
// never queued. Returns the queue entry, or nil when the message was not
// queueable.
func (s *Service) Enqueue(sessionID string, msg *wire.Message) *QueuedMessage {
	if msg.Type == wire.TypePing || msg.Type == wire.TypePong {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &QueuedMessage{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Message:    msg,
		Priority:   PriorityFor(msg),
		EnqueuedAt: time.Now(),
	}

	queue := s.pruneAgedLocked(sessionID)
	queue = append(queue, entry)
	if len(queue) > s.maxLength {
		queue = s.dropOverflowLocked(sessionID, queue)
	}
	s.queues[sessionID] = queue

	s.logger.Debug("message queued",
		zap.String("session_id", sessionID),
		zap.String("type", msg.Type),
		zap.Int("queue_length", len(queue)))

	return entry
}

// pruneAgedLocked removes entries older than maxAge.
func (s *Service) pruneAgedLocked(sessionID string) []*QueuedMessage {
	queue := s.queues[sessionID]
	cutoff := time.Now().Add(-s.maxAge)

	kept := queue[:0]
	for _, entry := range queue {
		if entry.EnqueuedAt.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	if len(kept) < len(queue) {
		s.logger.Debug("expired queued messages dropped",
			zap.String("session_id", sessionID),
			zap.Int("dropped", len(queue)-len(kept)))
	}
	return kept
}

// dropOverflowLocked removes the oldest droppable entry: lowest priority
// first, then oldest critical if nothing else remains.
func (s *Service) dropOverflowLocked(sessionID string, queue []*QueuedMessage) []*QueuedMessage {
	for len(queue) > s.maxLength {
		victim := -1
		for prio := PriorityLow; prio < PriorityCritical; prio++ {
			for i, entry := range queue {
				if entry.Priority == prio {
					victim = i
					break
				}
			}
			if victim >= 0 {
				break
			}
		}
		if victim < 0 {
			victim = 0 // all critical, drop the oldest
		}
		s.logger.Warn("queue overflow, dropping message",
			zap.String("session_id", sessionID),
			zap.String("type", queue[victim].Message.Type))
		queue = append(queue[:victim], queue[victim+1:]...)
	}
	return queue
}

// Drain returns and removes all queued messages for a session in FIFO order,
// skipping entries that aged out while waiting.
func (s *Service) Drain(sessionID string) []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.pruneAgedLocked(sessionID)
	delete(s.queues, sessionID)
	if len(queue) == 0 {
		return nil
	}

	out := make([]*wire.Message, len(queue))
	for i, entry := range queue {
		out[i] = entry.Message
	}

	s.logger.Info("queue drained",
		zap.String("session_id", sessionID),
		zap.Int("messages", len(out)))
	return out
}

// QueueLength returns the number of queued messages for a session.
func (s *Service) QueueLength(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[sessionID])
}

// Evict discards the session's queue, typically on session close.
func (s *Service) Evict(sessionID string) {
	s.mu.Lock()
	n := len(s.queues[sessionID])
	delete(s.queues, sessionID)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Debug("queue evicted",
			zap.String("session_id", sessionID),
			zap.Int("discarded", n))
	}
}
