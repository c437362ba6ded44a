// ABOUTME: Integration tests for RedisHistory against a live server
// ABOUTME: Skipped unless DESK_TEST_REDIS_URL points at a disposable database

package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisHistory(t *testing.T) {
	url := os.Getenv("DESK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DESK_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	s, err := NewRedisHistory(ctx, url)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.client.FlushDB(ctx).Err())

	testHistoryStore(t, s)
}

func TestNewRedisHistory_BadURL(t *testing.T) {
	_, err := NewRedisHistory(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "desk:conversation:bob:alice:messages", conversationKey("alice", "bob"))
	assert.Equal(t, "desk:agent:bob:conversations", agentConversationsKey("bob"))
}

func TestRedisKeys_SeparatorInNames(t *testing.T) {
	assert.NotEqual(t, conversationKey("a:b", "c"), conversationKey("b", "c:a"))
	assert.NotEqual(t, conversationKey("x", "a:b"), conversationKey("b:x", "a"))
	assert.NotEqual(t, agentConversationsKey("a:conversations"), agentConversationsKey("a"))
	assert.Equal(t, "desk:conversation:c%3Aa:b:messages", conversationKey("b", "c:a"))

	// Escaping itself must not collide with a literal escape sequence.
	assert.NotEqual(t, conversationKey("a%3Ab", "c"), conversationKey("a:b", "c"))
}
