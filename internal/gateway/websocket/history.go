package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/internal/persistence"
)

// HistoryStore is the optional persistent backing for connection history.
// Satisfied by persistence.Store.
type HistoryStore interface {
	SaveConnection(fingerprint, clientID string, sessionIDs []string) error
	ConnectionFor(fingerprint string) (*persistence.ConnectionRecord, error)
}

// HistoryRecord is a prior connection matched by fingerprint.
type HistoryRecord struct {
	Fingerprint  string
	LastClientID string
	LastSeen     time.Time
	SessionIDs   []string
}

type historyEntry struct {
	lastClientID string
	lastSeen     time.Time
	sessionIDs   []string
}

// ConnectionHistory tracks recently disconnected clients by fingerprint so a
// new connection with the same fingerprint can inherit its subscriptions.
// The in-memory map covers the active reconnection window; the optional store
// covers its own longer retention.
type ConnectionHistory struct {
	mu      sync.Mutex
	entries map[string]*historyEntry
	window  time.Duration
	store   HistoryStore
	logger  *logger.Logger
}

// NewConnectionHistory creates the tracker. store may be nil.
func NewConnectionHistory(window time.Duration, store HistoryStore, log *logger.Logger) *ConnectionHistory {
	return &ConnectionHistory{
		entries: make(map[string]*historyEntry),
		window:  window,
		store:   store,
		logger:  log.WithFields(zap.String("component", "connection_history")),
	}
}

// Record notes a disconnect (or fingerprint update) for later matching.
// Entries older than twice the window are swept on each call.
func (h *ConnectionHistory) Record(fingerprint, clientID string, sessionIDs []string) {
	now := time.Now()

	h.mu.Lock()
	h.entries[fingerprint] = &historyEntry{
		lastClientID: clientID,
		lastSeen:     now,
		sessionIDs:   sessionIDs,
	}
	for fp, e := range h.entries {
		if now.Sub(e.lastSeen) > 2*h.window {
			delete(h.entries, fp)
		}
	}
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.SaveConnection(fingerprint, clientID, sessionIDs); err != nil {
			h.logger.Warn("failed to persist connection history", zap.Error(err))
		}
	}
}

// Lookup returns the prior entry for a fingerprint. The in-memory window is
// checked first; the persistent store can still restore subscriptions after
// the in-memory entry has aged out.
func (h *ConnectionHistory) Lookup(fingerprint string) (*HistoryRecord, bool) {
	h.mu.Lock()
	e, ok := h.entries[fingerprint]
	if ok && time.Since(e.lastSeen) <= h.window {
		rec := &HistoryRecord{
			Fingerprint:  fingerprint,
			LastClientID: e.lastClientID,
			LastSeen:     e.lastSeen,
			SessionIDs:   append([]string(nil), e.sessionIDs...),
		}
		h.mu.Unlock()
		return rec, true
	}
	h.mu.Unlock()

	if h.store == nil {
		return nil, false
	}
	rec, err := h.store.ConnectionFor(fingerprint)
	if err != nil {
		h.logger.Warn("connection history lookup failed", zap.Error(err))
		return nil, false
	}
	if rec == nil {
		return nil, false
	}
	return &HistoryRecord{
		Fingerprint:  rec.Fingerprint,
		LastClientID: rec.LastClientID,
		LastSeen:     rec.LastSeen,
		SessionIDs:   rec.SessionIDs,
	}, true
}
