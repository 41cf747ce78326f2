package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/config"
	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/internal/events/bus"
)

// Sentinel errors surfaced to callers.
var (
	ErrMaxSessions      = errors.New("Maximum number of sessions reached")
	ErrInvalidDirectory = errors.New("Invalid directory path")
)

// Cleanup reasons carried on sessionCleaned events.
const (
	ReasonUserRequested = "user_requested"
	ReasonProcessDied   = "process_died"
	ReasonTimeout       = "timeout"
	ReasonShutdown      = "shutdown"
)

// Runner is the subprocess collaborator. The manager owns session records;
// the runner owns the actual processes, referenced by session id.
type Runner interface {
	Spawn(ctx context.Context, sessionID, workingDirectory string, skipPermissions bool) error
	Stop(sessionID string) error
	Kill(sessionID string) error
}

// QueueDepth reports pending queued messages per session; sessions with a
// non-empty queue are exempt from the timeout scan.
type QueueDepth interface {
	QueueLength(sessionID string) int
}

// RoutingStore persists the directory -> recent session map across restarts.
type RoutingStore interface {
	SessionForDirectory(workingDirectory string) (string, bool)
	SaveRouting(sessionID, workingDirectory, assistantSessionID string) error
	DeleteRouting(sessionID string) error
}

// Session is one managed assistant session.
type Session struct {
	ID                  string     `json:"id"`
	WorkingDirectory    string     `json:"workingDirectory"`
	InitialPrompt       string     `json:"initialPrompt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastActivity        time.Time  `json:"lastActivity"`
	ConversationStarted bool       `json:"conversationStarted"`
	IsProcessing        bool       `json:"isProcessing"`
	IsBackgrounded      bool       `json:"isBackgrounded"`
	IsRestored          bool       `json:"isRestored"`
	SkipPermissions     bool       `json:"skipPermissions"`
	BackgroundedAt      *time.Time `json:"backgroundedAt,omitempty"`
	AssistantSessionID  string     `json:"assistantSessionId,omitempty"`

	buffer *Buffer
	warned bool
}

// CreateResult is the outcome of createInteractiveSession.
type CreateResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Reused    bool   `json:"reused,omitempty"`
	Message   string `json:"message,omitempty"`
}

// CloseResult is the outcome of closeSession.
type CloseResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Manager owns all session records and runs the central timeout scan.
type Manager struct {
	cfg    config.SessionsConfig
	logger *logger.Logger
	bus    bus.EventBus
	runner Runner
	queue  QueueDepth
	store  RoutingStore

	mu       sync.RWMutex
	sessions map[string]*Session
	routing  *routingTable

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager. queue and store may be nil.
func NewManager(cfg config.SessionsConfig, runner Runner, eventBus bus.EventBus, queue QueueDepth, store RoutingStore, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		bus:      eventBus,
		runner:   runner,
		queue:    queue,
		store:    store,
		sessions: make(map[string]*Session),
		routing:  newRoutingTable(),
		done:     make(chan struct{}),
	}
}

var sessionIDRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeSessionID replaces disallowed characters and falls back to a UUID
// for empty input.
func SanitizeSessionID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return sessionIDRe.ReplaceAllString(id, "_")
}

// validateWorkingDirectory checks the directory is absolute, exists, and
// resolves under the safe root when one is configured.
func (m *Manager) validateWorkingDirectory(dir string) error {
	if !filepath.IsAbs(dir) {
		return ErrInvalidDirectory
	}
	cleaned := filepath.Clean(dir)

	info, err := os.Stat(cleaned)
	if err != nil || !info.IsDir() {
		return ErrInvalidDirectory
	}

	if root := m.cfg.SafeRootDirectory; root != "" {
		root = filepath.Clean(root)
		if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
			return fmt.Errorf("Access denied: directory %s is not allowed", dir)
		}
	}
	return nil
}

// ValidateWorkingDirectory exposes the directory policy check for callers
// that validate a path without creating a session.
func (m *Manager) ValidateWorkingDirectory(dir string) error {
	return m.validateWorkingDirectory(filepath.Clean(dir))
}

// CreateInteractiveSession creates a session for a working directory, reusing
// an active session for the same directory when one exists.
func (m *Manager) CreateInteractiveSession(ctx context.Context, sessionID, prompt, workingDirectory string, skipPermissions bool) (CreateResult, error) {
	sessionID = SanitizeSessionID(sessionID)
	workingDirectory = filepath.Clean(workingDirectory)

	if err := m.validateWorkingDirectory(workingDirectory); err != nil {
		return CreateResult{Success: false, Message: err.Error()}, err
	}

	m.mu.Lock()

	// Reuse by directory: persistent routing map first, then a scan of
	// active sessions.
	if existing := m.findByDirectoryLocked(workingDirectory); existing != nil {
		existing.LastActivity = time.Now()
		id := existing.ID
		m.mu.Unlock()
		m.logger.Info("reusing session for directory",
			zap.String("session_id", id),
			zap.String("directory", workingDirectory))
		return CreateResult{Success: true, SessionID: id, Reused: true}, nil
	}

	if m.activeCountLocked() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return CreateResult{Success: false, Message: ErrMaxSessions.Error()}, ErrMaxSessions
	}

	if _, exists := m.sessions[sessionID]; exists {
		sessionID = sessionID + "-" + uuid.New().String()[:8]
	}

	now := time.Now()
	sess := &Session{
		ID:               sessionID,
		WorkingDirectory: workingDirectory,
		InitialPrompt:    prompt,
		CreatedAt:        now,
		LastActivity:     now,
		SkipPermissions:  skipPermissions,
		buffer:           NewBuffer(),
	}
	m.sessions[sessionID] = sess
	m.routing.track(sessionID, workingDirectory, "", false)
	m.mu.Unlock()

	if err := m.runner.Spawn(ctx, sessionID, workingDirectory, skipPermissions); err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.routing.remove(sessionID)
		m.mu.Unlock()
		return CreateResult{Success: false, Message: err.Error()},
			fmt.Errorf("failed to spawn assistant: %w", err)
	}

	if m.store != nil {
		if err := m.store.SaveRouting(sessionID, workingDirectory, ""); err != nil {
			m.logger.Warn("failed to persist session routing", zap.Error(err))
		}
	}

	m.publish(bus.SubjectSessionCreated, map[string]interface{}{
		"sessionId":        sessionID,
		"workingDirectory": workingDirectory,
	})
	m.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("directory", workingDirectory))

	return CreateResult{Success: true, SessionID: sessionID}, nil
}

// findByDirectoryLocked consults the persistent map, then scans.
func (m *Manager) findByDirectoryLocked(dir string) *Session {
	if m.store != nil {
		if id, ok := m.store.SessionForDirectory(dir); ok {
			if sess, active := m.sessions[id]; active {
				return sess
			}
		}
	}
	for _, sess := range m.sessions {
		if sess.WorkingDirectory == dir {
			return sess
		}
	}
	return nil
}

func (m *Manager) activeCountLocked() int {
	return len(m.sessions)
}

// GetSession returns a snapshot of the session, or nil when unknown.
func (m *Manager) GetSession(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	out := *sess
	return &out
}

// ListSessions returns snapshots of all active sessions.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out
}

// UpdateSessionActivity bumps lastActivity. Idempotent for unknown ids.
func (m *Manager) UpdateSessionActivity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.LastActivity = time.Now()
		sess.warned = false
	}
}

// BeginProcessing atomically claims the session for a single prompt.
// It returns false when the session is unknown or already mid-prompt, so
// callers can reject the second prompt instead of interleaving stdin writes.
func (m *Manager) BeginProcessing(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || sess.IsProcessing {
		return false
	}
	sess.IsProcessing = true
	sess.LastActivity = time.Now()
	return true
}

// SetSessionProcessing sets the per-session processing flag.
func (m *Manager) SetSessionProcessing(id string, processing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.IsProcessing = processing
		sess.LastActivity = time.Now()
	}
}

// MarkConversationStarted records that the assistant replied at least once.
func (m *Manager) MarkConversationStarted(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.ConversationStarted = true
	}
}

// MarkSessionBackgrounded flags the session as backgrounded by the client.
func (m *Manager) MarkSessionBackgrounded(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		now := time.Now()
		sess.IsBackgrounded = true
		sess.BackgroundedAt = &now
	}
}

// MarkSessionForegrounded clears the backgrounded flag.
func (m *Manager) MarkSessionForegrounded(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.IsBackgrounded = false
		sess.BackgroundedAt = nil
		sess.LastActivity = time.Now()
	}
}

// GetSessionBuffer returns the session's buffer, or nil when unknown.
func (m *Manager) GetSessionBuffer(id string) *Buffer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess, ok := m.sessions[id]; ok {
		return sess.buffer
	}
	return nil
}

// ClearSessionBuffer resets the session's buffer.
func (m *Manager) ClearSessionBuffer(id string) {
	if buf := m.GetSessionBuffer(id); buf != nil {
		buf.Clear()
	}
}

// IsAssistantSessionActive reports whether the assistant conversation is
// live: started or restored from a previous run.
func (m *Manager) IsAssistantSessionActive(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return ok && (sess.ConversationStarted || sess.IsRestored)
}

// CloseSession terminates the subprocess with SIGTERM and removes the
// session. Unknown ids return {success:false, "Session not found"}.
func (m *Manager) CloseSession(id string) CloseResult {
	return m.cleanup(id, ReasonUserRequested, false)
}

// CleanupDeadSession removes a session whose subprocess already died.
func (m *Manager) CleanupDeadSession(id string) CloseResult {
	return m.cleanup(id, ReasonProcessDied, false)
}

// KillSession terminates the subprocess with SIGKILL and removes the session.
func (m *Manager) KillSession(id string) CloseResult {
	return m.cleanup(id, ReasonUserRequested, true)
}

func (m *Manager) cleanup(id, reason string, kill bool) CloseResult {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return CloseResult{Success: false, Message: "Session not found"}
	}
	delete(m.sessions, id)
	m.routing.remove(id)
	sess.buffer.Clear()
	m.mu.Unlock()

	if reason != ReasonProcessDied {
		var err error
		if kill {
			err = m.runner.Kill(id)
		} else {
			err = m.runner.Stop(id)
		}
		if err != nil {
			m.logger.Warn("failed to stop subprocess", zap.String("session_id", id), zap.Error(err))
		}
	}

	if m.store != nil {
		if err := m.store.DeleteRouting(id); err != nil {
			m.logger.Warn("failed to delete session routing", zap.Error(err))
		}
	}

	m.publish(bus.SubjectSessionCleaned, map[string]interface{}{
		"sessionId": id,
		"reason":    reason,
	})
	m.logger.Info("session cleaned",
		zap.String("session_id", id),
		zap.String("reason", reason))
	return CloseResult{Success: true}
}

// Start launches the central timeout ticker.
func (m *Manager) Start() {
	interval := m.cfg.MinTimeoutCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.scanTimeouts()
			}
		}
	}()
}

// scanTimeouts walks all sessions applying the warning and expiry budgets.
func (m *Manager) scanTimeouts() {
	now := time.Now()

	m.mu.Lock()
	var warned, expired []string
	for id, sess := range m.sessions {
		// a session with queued messages is never timed out
		if m.queue != nil && m.queue.QueueLength(id) > 0 {
			continue
		}

		idle := now.Sub(sess.LastActivity)

		timeout := m.cfg.SessionTimeout
		if sess.IsBackgrounded && m.cfg.BackgroundedSessionTimeout > 0 {
			timeout = m.cfg.BackgroundedSessionTimeout
		}

		if idle > timeout {
			expired = append(expired, id)
			continue
		}

		if m.cfg.SessionWarningTime > 0 && idle > m.cfg.SessionWarningTime && !sess.warned {
			sess.warned = true
			warned = append(warned, id)
		}
	}
	m.mu.Unlock()

	for _, id := range warned {
		m.publish(bus.SubjectSessionWarning, map[string]interface{}{"sessionId": id})
	}
	for _, id := range expired {
		m.publish(bus.SubjectSessionExpired, map[string]interface{}{"sessionId": id})
		m.cleanup(id, ReasonTimeout, false)
	}
}

// Shutdown stops the ticker and closes all sessions.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.cleanup(id, ReasonShutdown, false)
	}
	m.logger.Info("session manager shut down", zap.Int("sessions_closed", len(ids)))
}

func (m *Manager) publish(subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "session-manager", data)); err != nil {
		m.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
