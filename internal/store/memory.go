// ABOUTME: In-memory HistoryStore and AccountStore for tests
// ABOUTME: Can be switched into a failing mode to simulate an unreachable backend

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of HistoryStore and AccountStore.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*Message
	accounts map[string]*AgentAccount // keyed by username
	failing  bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*AgentAccount),
	}
}

// SetFailing makes every subsequent call return ErrUnavailable while on.
func (m *MemoryStore) SetFailing(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = on
}

func (m *MemoryStore) unavailable(op string) error {
	return fmt.Errorf("%s: %w", op, ErrUnavailable)
}

// AppendMessage stores a copy of msg.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return m.unavailable("append message")
	}
	for _, existing := range m.messages {
		if existing.ID == msg.ID {
			return ErrDuplicate
		}
	}

	c := *msg
	m.messages = append(m.messages, &c)
	return nil
}

// History returns copies of the most recent messages, oldest first.
func (m *MemoryStore) History(ctx context.Context, user, agent string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return nil, m.unavailable("history")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	matched := make([]*Message, 0)
	for _, msg := range m.messages {
		if msg.User == user && msg.Agent == agent {
			c := *msg
			matched = append(matched, &c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// Conversations lists users that have talked with agent, most recent first.
func (m *MemoryStore) Conversations(ctx context.Context, agent string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return nil, m.unavailable("conversations")
	}

	latest := make(map[string]*Conversation)
	for _, msg := range m.messages {
		if msg.Agent != agent {
			continue
		}
		c, ok := latest[msg.User]
		if !ok || !msg.Timestamp.Before(c.Timestamp) {
			latest[msg.User] = &Conversation{User: msg.User, LastMessage: msg.Content, Timestamp: msg.Timestamp}
		}
	}

	out := make([]*Conversation, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].User < out[j].User
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// Ping reports the failing flag.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failing {
		return m.unavailable("ping")
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// CreateAgent stores a copy of account.
func (m *MemoryStore) CreateAgent(ctx context.Context, account *AgentAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return m.unavailable("create agent")
	}
	if _, exists := m.accounts[account.Username]; exists {
		return ErrDuplicate
	}
	c := *account
	m.accounts[c.Username] = &c
	return nil
}

// GetAgentByUsername returns a copy of the account.
func (m *MemoryStore) GetAgentByUsername(ctx context.Context, username string) (*AgentAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return nil, m.unavailable("get agent")
	}
	a, ok := m.accounts[username]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// ListAgents returns copies of all accounts ordered by username.
func (m *MemoryStore) ListAgents(ctx context.Context) ([]*AgentAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failing {
		return nil, m.unavailable("list agents")
	}
	out := make([]*AgentAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

var (
	_ HistoryStore = (*MemoryStore)(nil)
	_ AccountStore = (*MemoryStore)(nil)
	_ HistoryStore = (*SQLiteStore)(nil)
	_ AccountStore = (*SQLiteStore)(nil)
	_ HistoryStore = (*RedisHistory)(nil)
)
