// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides atomic snapshot replacement and the thread directory with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS thread_states (
			thread_id  TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			turns      INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			thread_id    TEXT NOT NULL,
			position     INTEGER NOT NULL,
			id           TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			tool_calls   TEXT,
			tool_call_id TEXT,
			tool_name    TEXT,
			is_error     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,

			PRIMARY KEY (thread_id, position),
			FOREIGN KEY (thread_id) REFERENCES thread_states(thread_id) ON DELETE CASCADE,
			CHECK (role IN ('user', 'assistant', 'tool'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// LoadState reads the snapshot for a thread.
// Returns an empty snapshot if the thread was never saved.
func (s *SQLiteStore) LoadState(ctx context.Context, id uuid.UUID) (*State, error) {
	state := NewState(id)

	var updatedAtStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, turns, updated_at FROM thread_states WHERE thread_id = ?`,
		id.String(),
	).Scan(&state.Version, &state.Turns, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread state: %w", err)
	}

	state.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY position ASC
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var role, createdAtStr string
		var toolCalls, toolCallID, toolName sql.NullString
		var isError int

		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCalls, &toolCallID, &toolName, &isError, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.Role = Role(role)
		msg.ToolCallID = toolCallID.String
		msg.ToolName = toolName.String
		msg.IsError = isError != 0

		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls of message %s: %w", msg.ID, err)
			}
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		state.Messages = append(state.Messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return state, nil
}

// SaveState replaces the thread's snapshot inside one transaction.
// Returns ErrVersionConflict if the stored version is not state.Version.
func (s *SQLiteStore) SaveState(ctx context.Context, state *State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	threadID := state.ThreadID.String()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM thread_states WHERE thread_id = ?`, threadID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("querying thread version: %w", err)
	}
	if current != state.Version {
		return fmt.Errorf("%w: thread %s expected version %d, got %d", ErrVersionConflict, threadID, current, state.Version)
	}

	next := state.Version + 1
	updatedAt := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO thread_states (thread_id, version, turns, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			version = excluded.version,
			turns = excluded.turns,
			updated_at = excluded.updated_at
	`, threadID, next, state.Turns, updatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting thread state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (thread_id, position, id, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing message insert: %w", err)
	}
	defer insert.Close()

	for i, msg := range state.Messages {
		var toolCalls any
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("encoding tool calls of message %s: %w", msg.ID, err)
			}
			toolCalls = string(data)
		}

		isError := 0
		if msg.IsError {
			isError = 1
		}

		_, err := insert.ExecContext(ctx,
			threadID,
			i,
			msg.ID,
			string(msg.Role),
			msg.Content,
			toolCalls,
			nullString(msg.ToolCallID),
			nullString(msg.ToolName),
			isError,
			msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing thread state: %w", err)
	}

	state.Version = next
	state.UpdatedAt = updatedAt

	s.logger.Debug("saved thread state",
		"thread_id", threadID,
		"version", next,
		"messages", len(state.Messages))
	return nil
}

// nullString converts empty strings to NULL for optional columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RecordThread adds a thread to the directory. Known threads keep their creation time.
func (s *SQLiteStore) RecordThread(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording thread: %w", err)
	}
	return nil
}

// ListThreads returns all known threads in creation order
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at FROM threads ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		var idStr, createdAtStr string
		if err := rows.Scan(&idStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parsing thread id %q: %w", idStr, err)
		}

		createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		threads = append(threads, &Thread{ID: id, CreatedAt: createdAt})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating threads: %w", err)
	}

	return threads, nil
}
