// ABOUTME: Tests for MemoryStore to ensure behavior matches SQLiteStore
// ABOUTME: Also covers the failing mode used to simulate upstream outages

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_History(t *testing.T) {
	testHistoryStore(t, NewMemoryStore())
}

func TestMemoryStore_Accounts(t *testing.T) {
	testAccountStore(t, NewMemoryStore())
}

func TestMemoryStore_Failing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SetFailing(true)

	assert.ErrorIs(t, s.AppendMessage(ctx, msg("m1", "alice", "bob", "alice", "hi", 0)), ErrUnavailable)
	_, err := s.History(ctx, "alice", "bob", 0)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.Conversations(ctx, "bob")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
	_, err = s.ListAgents(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	s.SetFailing(false)
	require.NoError(t, s.AppendMessage(ctx, msg("m1", "alice", "bob", "alice", "hi", 0)))
	assert.ErrorIs(t, s.AppendMessage(ctx, msg("m1", "alice", "bob", "alice", "hi", 0)), ErrDuplicate)
}
