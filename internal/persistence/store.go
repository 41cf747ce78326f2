// Package persistence provides the sqlite-backed cache for connection
// history and the session routing map. It exists so reconnection catch-up
// and reuse-by-directory survive server restarts; in-memory state stays
// authoritative during a run.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
)

// connectionRetention is how long connection history rows survive.
const connectionRetention = 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS connection_history (
	fingerprint    TEXT PRIMARY KEY,
	last_client_id TEXT NOT NULL,
	last_seen      TIMESTAMP NOT NULL,
	session_ids    TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS session_routing (
	session_id           TEXT PRIMARY KEY,
	working_directory    TEXT NOT NULL,
	assistant_session_id TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_routing_directory ON session_routing(working_directory);
`

// ConnectionRecord is one persisted fingerprint entry.
type ConnectionRecord struct {
	Fingerprint  string    `db:"fingerprint"`
	LastClientID string    `db:"last_client_id"`
	LastSeen     time.Time `db:"last_seen"`
	SessionIDs   []string  `db:"-"`

	RawSessionIDs string `db:"session_ids"`
}

// Store is the sqlite cache.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (or creates) the sqlite database at path and initializes the
// schema. Use ":memory:" for tests.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite handles one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "persistence")),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConnection upserts the fingerprint's history entry.
func (s *Store) SaveConnection(fingerprint, clientID string, sessionIDs []string) error {
	raw, err := json.Marshal(sessionIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal session ids: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO connection_history (fingerprint, last_client_id, last_seen, session_ids)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			last_client_id = excluded.last_client_id,
			last_seen      = excluded.last_seen,
			session_ids    = excluded.session_ids`,
		fingerprint, clientID, time.Now().UTC(), string(raw))
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// ConnectionFor returns the persisted entry for a fingerprint, if any entry
// within the retention window exists.
func (s *Store) ConnectionFor(fingerprint string) (*ConnectionRecord, error) {
	var rec ConnectionRecord
	err := s.db.Get(&rec, `
		SELECT fingerprint, last_client_id, last_seen, session_ids
		FROM connection_history
		WHERE fingerprint = ? AND last_seen > ?`,
		fingerprint, time.Now().UTC().Add(-connectionRetention))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query connection: %w", err)
	}

	if err := json.Unmarshal([]byte(rec.RawSessionIDs), &rec.SessionIDs); err != nil {
		s.logger.Warn("corrupt session id list in connection history",
			zap.String("fingerprint", fingerprint))
		rec.SessionIDs = nil
	}
	return &rec, nil
}

// PruneConnections deletes history rows older than the retention window and
// returns how many were removed.
func (s *Store) PruneConnections() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM connection_history WHERE last_seen <= ?`,
		time.Now().UTC().Add(-connectionRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune connections: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveRouting upserts the session's routing row.
func (s *Store) SaveRouting(sessionID, workingDirectory, assistantSessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO session_routing (session_id, working_directory, assistant_session_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			working_directory    = excluded.working_directory,
			assistant_session_id = CASE WHEN excluded.assistant_session_id != ''
				THEN excluded.assistant_session_id
				ELSE session_routing.assistant_session_id END,
			updated_at = excluded.updated_at`,
		sessionID, workingDirectory, assistantSessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save routing: %w", err)
	}
	return nil
}

// SessionForDirectory returns the most recently updated session recorded for
// a working directory.
func (s *Store) SessionForDirectory(workingDirectory string) (string, bool) {
	var id string
	err := s.db.Get(&id, `
		SELECT session_id FROM session_routing
		WHERE working_directory = ?
		ORDER BY updated_at DESC LIMIT 1`, workingDirectory)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("routing lookup failed", zap.Error(err))
		}
		return "", false
	}
	return id, true
}

// AssistantSessionFor returns the persisted assistant session id bound to a
// session, if any.
func (s *Store) AssistantSessionFor(sessionID string) (string, bool) {
	var id string
	err := s.db.Get(&id, `
		SELECT assistant_session_id FROM session_routing
		WHERE session_id = ? AND assistant_session_id != ''`, sessionID)
	if err != nil {
		return "", false
	}
	return id, true
}

// DeleteRouting removes the session's routing row.
func (s *Store) DeleteRouting(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM session_routing WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete routing: %w", err)
	}
	return nil
}
