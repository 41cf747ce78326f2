package messagequeue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/pkg/wire"
)

func setupService(t *testing.T, maxLength int, maxAge time.Duration) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return NewService(maxLength, maxAge, log)
}

func msgOfType(t *testing.T, msgType string) *wire.Message {
	t.Helper()
	msg, err := wire.NewMessage(msgType, "", map[string]string{"sessionId": "s1"})
	require.NoError(t, err)
	return msg
}

func TestEnqueueAndDrain(t *testing.T) {
	t.Run("drains in FIFO order", func(t *testing.T) {
		svc := setupService(t, 100, time.Hour)

		svc.Enqueue("s1", msgOfType(t, wire.TypeAssistantMessage))
		svc.Enqueue("s1", msgOfType(t, wire.TypeToolUse))
		svc.Enqueue("s1", msgOfType(t, wire.TypeConversationResult))
		assert.Equal(t, 3, svc.QueueLength("s1"))

		msgs := svc.Drain("s1")
		require.Len(t, msgs, 3)
		assert.Equal(t, wire.TypeAssistantMessage, msgs[0].Type)
		assert.Equal(t, wire.TypeToolUse, msgs[1].Type)
		assert.Equal(t, wire.TypeConversationResult, msgs[2].Type)

		assert.Zero(t, svc.QueueLength("s1"))
		assert.Nil(t, svc.Drain("s1"))
	})

	t.Run("queues are per session", func(t *testing.T) {
		svc := setupService(t, 100, time.Hour)

		svc.Enqueue("s1", msgOfType(t, wire.TypeAssistantMessage))
		svc.Enqueue("s2", msgOfType(t, wire.TypeToolUse))

		assert.Equal(t, 1, svc.QueueLength("s1"))
		assert.Equal(t, 1, svc.QueueLength("s2"))
	})
}

func TestNeverQueuesPingPong(t *testing.T) {
	svc := setupService(t, 100, time.Hour)

	assert.Nil(t, svc.Enqueue("s1", msgOfType(t, wire.TypePing)))
	assert.Nil(t, svc.Enqueue("s1", msgOfType(t, wire.TypePong)))
	assert.Zero(t, svc.QueueLength("s1"))
}

func TestOverflowDropsNonCriticalFirst(t *testing.T) {
	svc := setupService(t, 3, time.Hour)

	svc.Enqueue("s1", msgOfType(t, wire.TypeConversationResult)) // critical
	svc.Enqueue("s1", msgOfType(t, wire.TypeStreamChunk))        // low
	svc.Enqueue("s1", msgOfType(t, wire.TypeAssistantMessage))   // normal
	svc.Enqueue("s1", msgOfType(t, wire.TypeToolUse))            // normal, overflows

	msgs := svc.Drain("s1")
	require.Len(t, msgs, 3)
	// The low-priority stream chunk was the victim.
	types := []string{msgs[0].Type, msgs[1].Type, msgs[2].Type}
	assert.NotContains(t, types, wire.TypeStreamChunk)
	assert.Contains(t, types, wire.TypeConversationResult)
}

func TestOverflowAllCriticalDropsOldest(t *testing.T) {
	svc := setupService(t, 2, time.Hour)

	first := svc.Enqueue("s1", msgOfType(t, wire.TypeConversationResult))
	svc.Enqueue("s1", msgOfType(t, wire.TypePermissionRequired))
	svc.Enqueue("s1", msgOfType(t, wire.TypeSessionClosed))

	msgs := svc.Drain("s1")
	require.Len(t, msgs, 2)
	require.NotNil(t, first)
	assert.Equal(t, wire.TypePermissionRequired, msgs[0].Type)
	assert.Equal(t, wire.TypeSessionClosed, msgs[1].Type)
}

func TestAgedMessagesExpire(t *testing.T) {
	svc := setupService(t, 100, 20*time.Millisecond)

	svc.Enqueue("s1", msgOfType(t, wire.TypeAssistantMessage))
	time.Sleep(40 * time.Millisecond)
	svc.Enqueue("s1", msgOfType(t, wire.TypeToolUse))

	msgs := svc.Drain("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.TypeToolUse, msgs[0].Type)
}

func TestEvict(t *testing.T) {
	svc := setupService(t, 100, time.Hour)

	svc.Enqueue("s1", msgOfType(t, wire.TypeAssistantMessage))
	svc.Evict("s1")

	assert.Zero(t, svc.QueueLength("s1"))
	assert.Nil(t, svc.Drain("s1"))
}
