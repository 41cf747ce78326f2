package session

import "sync"

// routingEntry links one of our sessions to its working directory and the
// assistant's own session id. Temporary entries exist for routing only and
// do not count toward maxSessions.
type routingEntry struct {
	sessionID          string
	workingDirectory   string
	assistantSessionID string
	isTemporary        bool
}

// routingTable holds the bidirectional session <-> assistant-session mapping
// plus the per-directory lookup used for reuse.
type routingTable struct {
	mu          sync.RWMutex
	bySession   map[string]*routingEntry
	byAssistant map[string]string // assistant session id -> our session id
	byDirectory map[string]string // working directory -> our session id
}

func newRoutingTable() *routingTable {
	return &routingTable{
		bySession:   make(map[string]*routingEntry),
		byAssistant: make(map[string]string),
		byDirectory: make(map[string]string),
	}
}

func (r *routingTable) track(sessionID, workingDirectory, assistantSessionID string, temporary bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &routingEntry{
		sessionID:          sessionID,
		workingDirectory:   workingDirectory,
		assistantSessionID: assistantSessionID,
		isTemporary:        temporary,
	}
	r.bySession[sessionID] = entry
	if workingDirectory != "" {
		r.byDirectory[workingDirectory] = sessionID
	}
	if assistantSessionID != "" {
		r.byAssistant[assistantSessionID] = sessionID
	}
}

func (r *routingTable) mapAssistant(sessionID, assistantSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.bySession[sessionID]; ok {
		if entry.assistantSessionID != "" {
			delete(r.byAssistant, entry.assistantSessionID)
		}
		entry.assistantSessionID = assistantSessionID
	} else {
		r.bySession[sessionID] = &routingEntry{
			sessionID:          sessionID,
			assistantSessionID: assistantSessionID,
			isTemporary:        true,
		}
	}
	r.byAssistant[assistantSessionID] = sessionID
}

func (r *routingTable) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	if entry.workingDirectory != "" && r.byDirectory[entry.workingDirectory] == sessionID {
		delete(r.byDirectory, entry.workingDirectory)
	}
	if entry.assistantSessionID != "" {
		delete(r.byAssistant, entry.assistantSessionID)
	}
}

// TrackSessionForRouting records a routing entry for a session the manager
// may not own, for example one discovered from the assistant's own session
// listing. Such entries are temporary.
func (m *Manager) TrackSessionForRouting(sessionID, workingDirectory, assistantSessionID string) {
	m.mu.RLock()
	_, owned := m.sessions[sessionID]
	m.mu.RUnlock()
	m.routing.track(sessionID, workingDirectory, assistantSessionID, !owned)
}

// MapAssistantSession binds our session id to the assistant's session id and
// mirrors it onto the session record.
func (m *Manager) MapAssistantSession(sessionID, assistantSessionID string) {
	m.routing.mapAssistant(sessionID, assistantSessionID)

	m.mu.Lock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.AssistantSessionID = assistantSessionID
	}
	m.mu.Unlock()

	if m.store != nil {
		m.mu.RLock()
		dir := ""
		if sess, ok := m.sessions[sessionID]; ok {
			dir = sess.WorkingDirectory
		}
		m.mu.RUnlock()
		if err := m.store.SaveRouting(sessionID, dir, assistantSessionID); err != nil {
			m.logger.Warn("failed to persist assistant session mapping")
		}
	}
}

// AssistantSessionFor returns the assistant session id bound to a session.
func (m *Manager) AssistantSessionFor(sessionID string) (string, bool) {
	m.routing.mu.RLock()
	defer m.routing.mu.RUnlock()
	entry, ok := m.routing.bySession[sessionID]
	if !ok || entry.assistantSessionID == "" {
		return "", false
	}
	return entry.assistantSessionID, true
}

// SessionForAssistant returns our session id for an assistant session id.
func (m *Manager) SessionForAssistant(assistantSessionID string) (string, bool) {
	m.routing.mu.RLock()
	defer m.routing.mu.RUnlock()
	id, ok := m.routing.byAssistant[assistantSessionID]
	return id, ok
}
