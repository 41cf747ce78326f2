package aicli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
)

// EventHandler handles parsed stream-json events from the assistant.
type EventHandler func(event *Event)

// RawHandler handles stdout lines that are not valid JSON. The assistant
// interleaves free-form text with its JSON events; those lines flow to the
// stream parser instead of the event pipeline.
type RawHandler func(line []byte)

// Client handles assistant CLI communication over stdin/stdout streams.
// It reads newline-delimited JSON from stdout and writes prompts to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	eventHandler EventHandler
	rawHandler   RawHandler

	mu   sync.RWMutex
	done chan struct{}
}

// NewClient creates a new assistant CLI client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "aicli-client")),
		done:   make(chan struct{}),
	}
}

// SetEventHandler sets the handler for parsed events.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

// SetRawHandler sets the handler for non-JSON stdout lines.
func (c *Client) SetRawHandler(handler RawHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rawHandler = handler
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is ready.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop stops the client read loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendPrompt writes a newline-terminated user message to stdin.
func (c *Client) SendPrompt(content string) error {
	msg := &UserMessage{
		Type: "user",
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

// SendRaw writes a newline-terminated raw line to stdin. Used to forward
// permission responses typed by the user.
func (c *Client) SendRaw(line string) error {
	_, err := c.stdin.Write(append([]byte(line), '\n'))
	if err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	return nil
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("sent message", zap.Int("bytes", len(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	c.logger.Debug("read loop starting")
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// scanner reuses its buffer, copy before handing off
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)
		c.handleLine(lineCopy)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil || event.Type == "" {
		c.mu.RLock()
		raw := c.rawHandler
		c.mu.RUnlock()
		if raw != nil {
			raw(line)
		} else {
			c.logger.Debug("dropping unparseable line", zap.Int("bytes", len(line)))
		}
		return
	}

	event.Raw = line

	c.mu.RLock()
	handler := c.eventHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(&event)
	}
}
