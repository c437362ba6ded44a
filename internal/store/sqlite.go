// ABOUTME: SQLite implementation of HistoryStore and AccountStore using modernc.org/sqlite
// ABOUTME: Provides message and account persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/desk-gateway/internal/metrics"
)

// SQLiteStore implements HistoryStore and AccountStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
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
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			sender TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,

			CHECK (sender_type IN ('user', 'agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(user_name, agent_name, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_agent_created
			ON messages(agent_name, created_at);

		CREATE TABLE IF NOT EXISTS agent_accounts (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
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

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func observe(backend, op string, start time.Time) {
	metrics.HistoryLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// AppendMessage stores a chat message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	defer observe("sqlite", "append", time.Now())

	query := `
		INSERT INTO messages (id, user_name, agent_name, sender, sender_type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.User,
		msg.Agent,
		msg.Sender,
		msg.SenderType,
		msg.Content,
		msg.Timestamp.UnixMilli(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w: %w", ErrUnavailable, err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "user", msg.User, "agent", msg.Agent)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// History returns the most recent messages between user and agent.
// Messages are returned in chronological order (oldest first).
func (s *SQLiteStore) History(ctx context.Context, user, agent string, limit int) ([]*Message, error) {
	defer observe("sqlite", "history", time.Now())

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	// Get the N most recent messages, but return them in chronological order
	query := `
		SELECT id, user_name, agent_name, sender, sender_type, content, created_at
		FROM (
			SELECT id, user_name, agent_name, sender, sender_type, content, created_at
			FROM messages
			WHERE user_name = ? AND agent_name = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, user, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	messages := make([]*Message, 0)
	for rows.Next() {
		var msg Message
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.User, &msg.Agent, &msg.Sender, &msg.SenderType, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Timestamp = time.UnixMilli(createdAt).UTC()
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w: %w", ErrUnavailable, err)
	}

	return messages, nil
}

// Conversations lists users with messages involving agent, most recent first.
func (s *SQLiteStore) Conversations(ctx context.Context, agent string) ([]*Conversation, error) {
	defer observe("sqlite", "conversations", time.Now())

	query := `
		SELECT m.user_name, m.content, m.created_at
		FROM messages m
		JOIN (
			SELECT user_name, MAX(created_at) AS latest
			FROM messages
			WHERE agent_name = ?
			GROUP BY user_name
		) l ON m.user_name = l.user_name AND m.created_at = l.latest
		WHERE m.agent_name = ?
		ORDER BY m.created_at DESC, m.id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, agent, agent)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	conversations := make([]*Conversation, 0)
	for rows.Next() {
		var c Conversation
		var createdAt int64
		if err := rows.Scan(&c.User, &c.LastMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		// Two messages sharing the latest millisecond: keep the higher id.
		if seen[c.User] {
			continue
		}
		seen[c.User] = true
		c.Timestamp = time.UnixMilli(createdAt).UTC()
		conversations = append(conversations, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w: %w", ErrUnavailable, err)
	}

	return conversations, nil
}

// CreateAgent stores a new agent account.
// Returns ErrDuplicate if the username is already registered.
func (s *SQLiteStore) CreateAgent(ctx context.Context, account *AgentAccount) error {
	query := `
		INSERT INTO agent_accounts (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		account.ID,
		account.Username,
		account.PasswordHash,
		account.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting agent account: %w: %w", ErrUnavailable, err)
	}

	s.logger.Info("created agent account", "id", account.ID, "username", account.Username)
	return nil
}

// GetAgentByUsername retrieves an agent account.
// Returns ErrNotFound if the username is not registered.
func (s *SQLiteStore) GetAgentByUsername(ctx context.Context, username string) (*AgentAccount, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM agent_accounts
		WHERE username = ?
	`

	var account AgentAccount
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&account.ID,
		&account.Username,
		&account.PasswordHash,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent account: %w: %w", ErrUnavailable, err)
	}

	account.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing agent created_at: %w", err)
	}

	return &account, nil
}

// ListAgents returns all agent accounts ordered by username.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentAccount, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM agent_accounts
		ORDER BY username ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agent accounts: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var accounts []*AgentAccount
	for rows.Next() {
		var account AgentAccount
		var createdAtStr string
		if err := rows.Scan(&account.ID, &account.Username, &account.PasswordHash, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning agent account row: %w", err)
		}
		account.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing agent created_at: %w", err)
		}
		accounts = append(accounts, &account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent account rows: %w: %w", ErrUnavailable, err)
	}

	return accounts, nil
}
