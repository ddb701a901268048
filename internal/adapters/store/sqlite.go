// Package store provides the SQLite-backed call log and conversation store.
// Clean Architecture: Adapter implementing ports.CallSink and ports.ConversationStore.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// SQLiteStore persists call records, model identities, sessions and turns.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ ports.CallSink          = (*SQLiteStore)(nil)
	_ ports.ConversationStore = (*SQLiteStore)(nil)
)

// Open opens (or creates) the database file at path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY,
		instance_name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		physical_model_name TEXT NOT NULL,
		base_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE (instance_name, physical_model_name)
	);
	CREATE TABLE IF NOT EXISTS call_logs (
		id TEXT PRIMARY KEY,
		logical_model TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		is_stream INTEGER NOT NULL,
		model_id TEXT REFERENCES models(id),
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		timestamp_start DATETIME NOT NULL,
		timestamp_end DATETIME NOT NULL,
		failover_events TEXT NOT NULL DEFAULT '[]',
		error_message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_call_logs_start ON call_logs(timestamp_start);
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureModel returns the ID of the (instance, physical model) pair,
// inserting it on first use.
func (s *SQLiteStore) EnsureModel(ctx context.Context, id entities.ModelIdentity) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO models (id, instance_name, type, physical_model_name, base_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), id.InstanceName, id.Type, id.PhysicalModelName, id.BaseURL, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("inserting model: %w", err)
	}

	var modelID string
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM models WHERE instance_name = ? AND physical_model_name = ?",
		id.InstanceName, id.PhysicalModelName,
	).Scan(&modelID)
	if err != nil {
		return "", fmt.Errorf("looking up model: %w", err)
	}
	return modelID, nil
}

// SaveCallRecord appends one call record.
func (s *SQLiteStore) SaveCallRecord(ctx context.Context, rec entities.CallRecord) error {
	var modelID sql.NullString
	if rec.ModelID != "" {
		modelID = sql.NullString{String: rec.ModelID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_logs (id, logical_model, type, status, is_stream, model_id,
			prompt_tokens, completion_tokens, timestamp_start, timestamp_end, failover_events, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.LogicalModel, string(rec.Type), string(rec.Status), rec.IsStream, modelID,
		rec.PromptTokens, rec.CompletionTokens, rec.StartedAt.UTC(), rec.EndedAt.UTC(),
		rec.FailoverEventsJSON(), rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// CallLogEntry is a call record joined with its model identity.
type CallLogEntry struct {
	entities.CallRecord
	InstanceName      string
	PhysicalModelName string
}

// RecentCalls returns the newest call records first.
func (s *SQLiteStore) RecentCalls(ctx context.Context, limit int) ([]CallLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.logical_model, c.type, c.status, c.is_stream, COALESCE(c.model_id, ''),
			c.prompt_tokens, c.completion_tokens, c.timestamp_start, c.timestamp_end,
			c.failover_events, c.error_message,
			COALESCE(m.instance_name, ''), COALESCE(m.physical_model_name, '')
		FROM call_logs c
		LEFT JOIN models m ON m.id = c.model_id
		ORDER BY c.timestamp_start DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call logs: %w", err)
	}
	defer rows.Close()

	var out []CallLogEntry
	for rows.Next() {
		var e CallLogEntry
		var typ, status, events string
		err := rows.Scan(&e.ID, &e.LogicalModel, &typ, &status, &e.IsStream, &e.ModelID,
			&e.PromptTokens, &e.CompletionTokens, &e.StartedAt, &e.EndedAt,
			&events, &e.ErrorMessage, &e.InstanceName, &e.PhysicalModelName)
		if err != nil {
			return nil, fmt.Errorf("scanning call log: %w", err)
		}
		e.Type = entities.CallType(typ)
		e.Status = entities.CallStatus(status)
		if err := json.Unmarshal([]byte(events), &e.FailoverEvents); err != nil {
			e.FailoverEvents = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateSession starts a new conversation session.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID, name string) (*entities.Session, error) {
	sess := &entities.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, name, created_at) VALUES (?, ?, ?, ?)",
		sess.ID, sess.UserID, sess.Name, sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// ErrSessionNotFound is returned for turns appended to an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// AppendTurn stores one question/answer pair.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn entities.Turn) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", turn.SessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO conversations (session_id, question, answer, created_at) VALUES (?, ?, ?, ?)",
		turn.SessionID, turn.Question, turn.Answer, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit most recent turns, oldest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]entities.Turn, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, question, answer, created_at FROM (
			SELECT id, session_id, question, answer, created_at
			FROM conversations WHERE session_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []entities.Turn
	for rows.Next() {
		var t entities.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Question, &t.Answer, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
