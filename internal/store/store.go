// ABOUTME: Store interfaces and data types for desk-gateway persistence
// ABOUTME: Defines chat history, conversation summaries, and agent accounts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose unique key is taken
var ErrDuplicate = errors.New("already exists")

// ErrUnavailable wraps backend failures so callers can report the upstream
// as unavailable without inspecting driver errors
var ErrUnavailable = errors.New("store unavailable")

// DefaultHistoryLimit caps history reads when the caller passes no limit
const DefaultHistoryLimit = 200

// Message is one persisted chat message between a user and an agent
type Message struct {
	ID         string    `json:"id"`
	User       string    `json:"user"`
	Agent      string    `json:"agent"`
	Sender     string    `json:"sender"`
	SenderType string    `json:"senderType"` // "user" or "agent"
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Receiver returns the identity on the other side of the message
func (m *Message) Receiver() string {
	if m.Sender == m.User {
		return m.Agent
	}
	return m.User
}

// Conversation summarizes one user's conversation with an agent
type Conversation struct {
	User        string
	LastMessage string
	Timestamp   time.Time
}

// AgentAccount is a registered agent login
type AgentAccount struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// HistoryStore persists chat messages.
type HistoryStore interface {
	// AppendMessage stores a message. ID and Timestamp must be set.
	AppendMessage(ctx context.Context, msg *Message) error

	// History returns the most recent limit messages between user and
	// agent in ascending timestamp order. limit <= 0 uses DefaultHistoryLimit.
	History(ctx context.Context, user, agent string, limit int) ([]*Message, error)

	// Conversations lists every user that has a conversation with agent,
	// most recent activity first.
	Conversations(ctx context.Context, agent string) ([]*Conversation, error)

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	Close() error
}

// AccountStore persists agent accounts.
type AccountStore interface {
	// CreateAgent stores a new account. Returns ErrDuplicate if the
	// username is taken.
	CreateAgent(ctx context.Context, account *AgentAccount) error

	// GetAgentByUsername returns ErrNotFound for unknown usernames
	GetAgentByUsername(ctx context.Context, username string) (*AgentAccount, error)

	// ListAgents returns all accounts ordered by username
	ListAgents(ctx context.Context) ([]*AgentAccount, error)
}
