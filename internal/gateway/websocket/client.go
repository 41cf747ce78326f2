package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection.
type Client struct {
	ID          string
	Fingerprint string

	// Reconnection state, populated from connection history on connect
	IsReconnection   bool
	PreviousClientID string
	restoreSessions  []string

	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // session ids this client is subscribed to
	alive         atomic.Bool
	lastActivity  atomic.Int64
	closeOnce     sync.Once
	logger        *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id, fingerprint string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	c := &Client{
		ID:            id,
		Fingerprint:   fingerprint,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithClientID(id),
	}
	c.alive.Store(true)
	c.touch()
	return c
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the client's last inbound message.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}
		c.alive.Store(true)
		c.touch()

		msg, errPayload := wire.Decode(raw)
		if errPayload != nil {
			c.sendMessage(&wire.Message{
				Type:      wire.TypeError,
				Error:     errPayload,
				Timestamp: time.Now().UTC(),
			})
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

// handleMessage processes one decoded ingress message.
func (c *Client) handleMessage(ctx context.Context, msg *wire.Message) {
	c.logger.Debug("Received message",
		zap.String("type", msg.Type),
		zap.String("request_id", msg.RequestID))

	// Pings are answered inline and never dispatched or queued.
	if msg.Type == wire.TypePing {
		c.sendMessage(&wire.Message{
			Type:      wire.TypePong,
			RequestID: msg.RequestID,
			Timestamp: time.Now().UTC(),
		})
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, c.ID, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("type", msg.Type),
			zap.Error(err))
		c.sendMessage(wire.NewErrorMessage(msg.RequestID, wire.ErrorCodeInternal, err.Error(), nil))
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// sendMessage marshals and queues a message for the write pump.
func (c *Client) sendMessage(msg *wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// markAndPing flips the liveness flag and sends a ping. Returns false when
// the client never answered the previous ping.
func (c *Client) markAndPing() bool {
	if !c.alive.Swap(false) {
		return false
	}
	deadline := time.Now().Add(writeWait)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return false
	}
	return true
}

// close tears down the connection; the read pump unregisters from the hub.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
