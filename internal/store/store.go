// Package store persists per-chat thread bindings and the interaction
// log in SQLite. The chats table is the single relational invariant in
// the system: at most one row per chat ID, enforced by a UNIQUE
// constraint rather than by caller discipline.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateChat is returned by CreateBinding when a binding already
// exists for the chat. Callers racing on first contact recover by
// re-reading the winning binding.
var ErrDuplicateChat = errors.New("chat already has a thread binding")

// ErrUnknownChat is returned by UpdateBinding when no binding row
// exists. Given the create-before-update invariant this indicates a
// programming error, not a runtime condition.
var ErrUnknownChat = errors.New("no thread binding for chat")

// ErrNoBinding is returned by GetBinding when the chat has no row.
var ErrNoBinding = errors.New("binding not found")

// LogEntry is one immutable interaction log record. Two entries are
// written per request-response cycle: the inbound message and the
// outbound reply (or error text).
type LogEntry struct {
	ID           uuid.UUID
	ChatID       string
	UserNickname string
	MessageText  string
	MessageTime  time.Time
}

// Store manages chat bindings and interaction logs.
type Store struct {
	db *sql.DB
}

// New creates a store on the given database path, running migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewWithDB creates a store using an existing database connection.
// Tests use this with the pure-Go sqlite driver.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id   TEXT UNIQUE NOT NULL,
			thread_id TEXT
		);

		CREATE TABLE IF NOT EXISTS logs (
			id            TEXT PRIMARY KEY,
			chat_id       TEXT NOT NULL,
			user_nickname TEXT,
			message_text  TEXT,
			message_time  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_logs_chat ON logs(chat_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetBinding returns the thread ID bound to the chat, or ErrNoBinding.
func (s *Store) GetBinding(chatID string) (string, error) {
	var threadID sql.NullString
	err := s.db.QueryRow(`SELECT thread_id FROM chats WHERE chat_id = ?`, chatID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", ErrNoBinding
	}
	if err != nil {
		return "", fmt.Errorf("get binding for chat %s: %w", chatID, err)
	}
	if !threadID.Valid || threadID.String == "" {
		return "", ErrNoBinding
	}
	return threadID.String, nil
}

// Exists reports whether a binding row exists for the chat.
func (s *Store) Exists(chatID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM chats WHERE chat_id = ?`, chatID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check chat %s: %w", chatID, err)
	}
	return true, nil
}

// CreateBinding inserts a new chat→thread row. The UNIQUE constraint
// on chat_id rejects a second row for the same chat; that case maps to
// ErrDuplicateChat so the caller can fall back to the winning binding.
func (s *Store) CreateBinding(chatID, threadID string) error {
	_, err := s.db.Exec(
		`INSERT INTO chats (chat_id, thread_id) VALUES (?, ?)`,
		chatID, threadID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create binding for chat %s: %w", chatID, ErrDuplicateChat)
		}
		return fmt.Errorf("create binding for chat %s: %w", chatID, err)
	}
	return nil
}

// UpdateBinding replaces the thread ID for an existing chat.
func (s *Store) UpdateBinding(chatID, threadID string) error {
	res, err := s.db.Exec(
		`UPDATE chats SET thread_id = ? WHERE chat_id = ?`,
		threadID, chatID,
	)
	if err != nil {
		return fmt.Errorf("update binding for chat %s: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update binding for chat %s: %w", chatID, err)
	}
	if n == 0 {
		return fmt.Errorf("update binding for chat %s: %w", chatID, ErrUnknownChat)
	}
	return nil
}

// AllChats returns every known chat ID.
func (s *Store) AllChats() ([]string, error) {
	rows, err := s.db.Query(`SELECT chat_id FROM chats ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendLog durably appends one interaction log entry. Errors
// propagate; deciding whether a logging failure is fatal belongs to
// the caller.
func (s *Store) AppendLog(entry LogEntry) error {
	id := entry.ID
	if id == uuid.Nil {
		id, _ = uuid.NewV7()
	}
	_, err := s.db.Exec(
		`INSERT INTO logs (id, chat_id, user_nickname, message_text, message_time) VALUES (?, ?, ?, ?, ?)`,
		id.String(), entry.ChatID, entry.UserNickname, entry.MessageText,
		entry.MessageTime.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append log for chat %s: %w", entry.ChatID, err)
	}
	return nil
}

// LogsForChat returns the chat's log entries in insertion order.
func (s *Store) LogsForChat(chatID string) ([]LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, user_nickname, message_text, message_time
		 FROM logs WHERE chat_id = ? ORDER BY id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list logs for chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var id, ts string
		if err := rows.Scan(&id, &e.ChatID, &e.UserNickname, &e.MessageText, &ts); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.ID, _ = uuid.Parse(id)
		e.MessageTime, _ = time.Parse(time.RFC3339, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// isUniqueViolation detects a UNIQUE constraint failure without tying
// the store to one driver. Both mattn/go-sqlite3 and modernc.org/sqlite
// include this phrase in the error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
