// Package websocket is the WebSocket gateway: it owns client connections,
// session subscriptions, and fan-out of wire messages.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/pkg/wire"
)

// SubscribeHook runs whenever a client gains a session subscription, both for
// explicit subscribe messages and for subscriptions restored on reconnect.
// The orchestrator uses it to replay queued messages.
type SubscribeHook func(clientID, sessionID string)

// Hub manages all WebSocket client connections.
type Hub struct {
	clients   map[string]*Client
	clientSet map[*Client]bool

	// Clients subscribed to each session
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *wire.Message

	dispatcher *wire.Dispatcher
	history    *ConnectionHistory

	onSubscribe SubscribeHook

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates the hub.
func NewHub(dispatcher *wire.Dispatcher, history *ConnectionHistory, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[string]*Client),
		clientSet:          make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *wire.Message, 256),
		dispatcher:         dispatcher,
		history:            history,
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetSubscribeHook installs the post-subscribe callback. Must be called
// before Run.
func (h *Hub) SetSubscribeHook(hook SubscribeHook) {
	h.onSubscribe = hook
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastAll(msg)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.clientSet[client] = true
	h.mu.Unlock()

	h.logger.Debug("Client registered",
		zap.String("client_id", client.ID),
		zap.String("fingerprint", client.Fingerprint),
		zap.Bool("is_reconnection", client.IsReconnection))

	// Restore subscriptions carried over from a prior connection with the
	// same fingerprint.
	for _, sessionID := range client.restoreSessions {
		h.Subscribe(client, sessionID)
	}
	client.restoreSessions = nil
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clientSet[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clientSet, client)
	delete(h.clients, client.ID)
	close(client.send)

	sessionIDs := make([]string, 0, len(client.subscriptions))
	for sessionID := range client.subscriptions {
		sessionIDs = append(sessionIDs, sessionID)
		if clients, ok := h.sessionSubscribers[sessionID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessionSubscribers, sessionID)
			}
		}
	}
	h.mu.Unlock()

	// Remember the subscription set so a reconnect can inherit it.
	h.history.Record(client.Fingerprint, client.ID, sessionIDs)

	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clientSet {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.clientSet = make(map[*Client]bool)
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a session's subscriber set and fires the
// subscribe hook.
func (h *Hub) Subscribe(client *Client, sessionID string) {
	h.mu.Lock()
	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.subscriptions[sessionID] = true
	h.mu.Unlock()

	h.logger.Debug("Client subscribed to session",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))

	if h.onSubscribe != nil {
		h.onSubscribe(client.ID, sessionID)
	}
}

// SubscribeClient subscribes by client id. Returns false if the client is
// not connected.
func (h *Hub) SubscribeClient(clientID, sessionID string) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.Subscribe(client, sessionID)
	return true
}

// Unsubscribe removes a client from a session's subscriber set.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, sessionID)
	if clients, ok := h.sessionSubscribers[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// Broadcast queues a message for delivery to every connected client.
func (h *Hub) Broadcast(msg *wire.Message) {
	h.broadcast <- msg
}

func (h *Hub) broadcastAll(msg *wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clientSet {
		select {
		case client.send <- data:
		default:
			// Buffer full, write pump will clean up
		}
	}
}

// BroadcastToSession sends a message to every subscriber of a session and
// returns how many clients it reached.
func (h *Hub) BroadcastToSession(sessionID string, msg *wire.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.sessionSubscribers[sessionID]))
	for client := range h.sessionSubscribers[sessionID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range clients {
		select {
		case client.send <- data:
			delivered++
		default:
		}
	}
	return delivered
}

// SendToClient sends a message to one client. Returns false if the client is
// gone or its buffer is full.
func (h *Hub) SendToClient(clientID string, msg *wire.Message) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}

	select {
	case client.send <- data:
		return true
	default:
		h.logger.Warn("Client send buffer full", zap.String("client_id", clientID))
		return false
	}
}

// HasSubscribers reports whether any client is subscribed to the session.
func (h *Hub) HasSubscribers(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionSubscribers[sessionID]) > 0
}

// ClientSessions returns the session ids a client is subscribed to.
func (h *Hub) ClientSessions(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(client.subscriptions))
	for sessionID := range client.subscriptions {
		out = append(out, sessionID)
	}
	return out
}

// UpdateFingerprint replaces a client's fingerprint, recording the new one in
// history so future reconnects match on the device id.
func (h *Hub) UpdateFingerprint(clientID, fingerprint string) bool {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		client.Fingerprint = fingerprint
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	h.history.Record(fingerprint, clientID, h.ClientSessions(clientID))
	return true
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientSet)
}

// RunHealthLoop pings clients at the given interval and drops any that did
// not answer the previous ping.
func (h *Hub) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepClients()
		}
	}
}

func (h *Hub) sweepClients() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clientSet))
	for client := range h.clientSet {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.markAndPing() {
			h.logger.Info("Dropping unresponsive client", zap.String("client_id", client.ID))
			client.close()
		}
	}
}
