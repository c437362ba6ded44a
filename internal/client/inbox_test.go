// ABOUTME: Tests for the move-to-front inbox
// ABOUTME: Covers ordering, unread counts, and out-of-order activity

package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func peers(rows []Conversation) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Peer)
	}
	return out
}

func TestInbox_MoveToFront(t *testing.T) {
	b := NewInbox()
	b.Touch("alice", "a1", t0, true)
	b.Touch("carol", "c1", t0.Add(time.Second), true)
	b.Touch("dave", "d1", t0.Add(2*time.Second), false)
	assert.Equal(t, []string{"dave", "carol", "alice"}, peers(b.List()))

	b.Touch("alice", "a2", t0.Add(3*time.Second), true)
	assert.Equal(t, []string{"alice", "dave", "carol"}, peers(b.List()))

	row, ok := b.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "a2", row.LastMessage)
	assert.Equal(t, 2, row.Unread)
	assert.Equal(t, 3, b.Len())
}

func TestInbox_OlderActivityDoesNotReorder(t *testing.T) {
	b := NewInbox()
	b.Touch("alice", "new", t0.Add(time.Minute), false)
	b.Touch("carol", "c1", t0.Add(2*time.Minute), false)

	b.Touch("alice", "old", t0, true)

	assert.Equal(t, []string{"carol", "alice"}, peers(b.List()))
	row, _ := b.Get("alice")
	assert.Equal(t, "new", row.LastMessage)
	assert.Equal(t, 1, row.Unread)
}

func TestInbox_LoadAndMarkRead(t *testing.T) {
	b := NewInbox()
	b.Touch("stale", "x", t0, true)

	b.Load([]Conversation{
		{Peer: "dave", LastMessage: "d", Timestamp: t0.Add(2 * time.Minute)},
		{Peer: "alice", LastMessage: "a", Timestamp: t0.Add(time.Minute), Unread: 3},
		{Peer: "dave", LastMessage: "dup"},
	})
	assert.Equal(t, []string{"dave", "alice"}, peers(b.List()))
	_, ok := b.Get("stale")
	assert.False(t, ok)

	b.MarkRead("alice")
	b.MarkRead("nobody")
	row, _ := b.Get("alice")
	assert.Zero(t, row.Unread)
}
