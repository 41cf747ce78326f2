package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to the local network; origin checks are left to
		// the deployment's reverse proxy when one is present.
		return true
	},
}

// Handler handles WebSocket connections.
type Handler struct {
	hub     *Hub
	history *ConnectionHistory
	logger  *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, history *ConnectionHistory, log *logger.Logger) *Handler {
	return &Handler{
		hub:     hub,
		history: history,
		logger:  log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and runs the client pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		deviceID = c.GetHeader("X-Device-Id")
	}
	fingerprint := Fingerprint(deviceID, c.Request.UserAgent())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, fingerprint, conn, h.hub, h.logger)

	// A recent connection with the same fingerprint makes this a
	// reconnection; the prior subscription set is inherited.
	if rec, ok := h.history.Lookup(fingerprint); ok {
		client.IsReconnection = true
		client.PreviousClientID = rec.LastClientID
		client.restoreSessions = rec.SessionIDs
	}

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("fingerprint", fingerprint),
		zap.Bool("is_reconnection", client.IsReconnection),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
