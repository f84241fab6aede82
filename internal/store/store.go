// Package store mirrors raw chat events into SQLite so sessions survive a
// restart and can be warm-loaded before the gateway answers.
package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/sessions"
)

// Store is the on-disk mirror of the event feed.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the mirror database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createEventsTable := `
	CREATE TABLE IF NOT EXISTS chat_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_type TEXT NOT NULL,
		peer_id INTEGER NOT NULL,
		title TEXT,
		updated_at INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		dedupe_key TEXT NOT NULL UNIQUE
	);`

	createSessionIndex := `
	CREATE INDEX IF NOT EXISTS idx_chat_events_session
	ON chat_events (session_type, peer_id, updated_at);`

	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create chat_events table: %w", err)
	}
	if _, err := db.Exec(createSessionIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create chat_events index: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveEvent mirrors one raw event. Replays are absorbed by the dedupe key:
// the gateway message id when the event carries one, otherwise a digest of
// the payload itself.
func (s *Store) SaveEvent(ctx context.Context, sessionType sessions.SessionType, peerID int64, title string, timestampMs int64, messageID string, payload json.RawMessage) error {
	key := dedupeKey(sessionType, peerID, messageID, payload)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_events
		 (session_type, peer_id, title, updated_at, payload_json, dedupe_key)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(sessionType), peerID, title, timestampMs, string(payload), key)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("duplicate event ignored", "dedupe_key", key)
	}
	return nil
}

// SessionRef identifies one mirrored session and its latest activity.
type SessionRef struct {
	Type      sessions.SessionType
	PeerID    int64
	Title     string
	UpdatedAt int64
}

// Sessions lists mirrored sessions, most recently active first.
func (s *Store) Sessions(ctx context.Context) ([]SessionRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_type, peer_id,
		        COALESCE(MAX(CASE WHEN title != '' THEN title END), ''),
		        MAX(updated_at)
		 FROM chat_events
		 GROUP BY session_type, peer_id
		 ORDER BY MAX(updated_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRef
	for rows.Next() {
		var ref SessionRef
		var typ string
		if err := rows.Scan(&typ, &ref.PeerID, &ref.Title, &ref.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		ref.Type = sessions.ParseSessionType(typ)
		out = append(out, ref)
	}
	return out, rows.Err()
}

// History returns the newest limit events of one session in chronological
// order.
func (s *Store) History(ctx context.Context, sessionType sessions.SessionType, peerID int64, limit int) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM (
		   SELECT payload_json, updated_at, id FROM chat_events
		   WHERE session_type = ? AND peer_id = ?
		   ORDER BY updated_at DESC, id DESC
		   LIMIT ?
		 ) ORDER BY updated_at ASC, id ASC`,
		string(sessionType), peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, json.RawMessage(payload))
	}
	return out, rows.Err()
}

func dedupeKey(sessionType sessions.SessionType, peerID int64, messageID string, payload json.RawMessage) string {
	if messageID != "" {
		return fmt.Sprintf("%s:%d:%s", sessionType, peerID, messageID)
	}
	return fmt.Sprintf("%s:%d:sha1:%x", sessionType, peerID, sha1.Sum(payload))
}
