// ABOUTME: Tests for the connection lifecycle state machine
// ABOUTME: Covers valid paths, identity immutability, gating, and observers

package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	from, to State
	identity string
}

func TestMachine_HappyPath(t *testing.T) {
	var seen []transition
	m := NewMachine(func(from, to State, identity, _ string) {
		seen = append(seen, transition{from, to, identity})
	})

	assert.Equal(t, Disconnected, m.State())
	assert.ErrorIs(t, m.Require(), ErrNotIdentified)

	require.NoError(t, m.Open())
	assert.Equal(t, Connecting, m.State())
	assert.ErrorIs(t, m.Require(), ErrNotIdentified)

	require.NoError(t, m.Identify("alice"))
	assert.Equal(t, Identified, m.State())
	assert.Equal(t, "alice", m.Identity())
	assert.NoError(t, m.Require())

	m.Close("channel closed")
	assert.Equal(t, Disconnected, m.State())
	assert.ErrorIs(t, m.Require(), ErrNotIdentified)

	assert.Equal(t, []transition{
		{Disconnected, Connecting, ""},
		{Connecting, Identified, "alice"},
		{Identified, Disconnected, "alice"},
	}, seen)
}

func TestMachine_ReidentifySameIdentityIsNoop(t *testing.T) {
	calls := 0
	m := NewMachine(func(State, State, string, string) { calls++ })
	require.NoError(t, m.Open())
	require.NoError(t, m.Identify("alice"))

	require.NoError(t, m.Identify("alice"))
	assert.Equal(t, 2, calls)
}

func TestMachine_IdentityIsImmutable(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Open())
	require.NoError(t, m.Identify("alice"))

	err := m.Identify("mallory")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "alice", m.Identity())
}

func TestMachine_InvalidTransitions(t *testing.T) {
	m := NewMachine(nil)
	assert.ErrorIs(t, m.Identify("alice"), ErrInvalidTransition, "identify before open")
	assert.ErrorIs(t, m.Identify(""), ErrInvalidTransition)

	require.NoError(t, m.Open())
	assert.ErrorIs(t, m.Open(), ErrInvalidTransition, "double open")

	m.Close("bye")
	assert.ErrorIs(t, m.Open(), ErrInvalidTransition, "reopen after close")
	assert.ErrorIs(t, m.Identify("alice"), ErrInvalidTransition)
}

func TestMachine_CloseIsIdempotent(t *testing.T) {
	calls := 0
	m := NewMachine(func(State, State, string, string) { calls++ })
	require.NoError(t, m.Open())

	m.Close("first")
	m.Close("second")
	assert.Equal(t, 2, calls)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "identified", Identified.String())
	assert.Equal(t, "unknown", State(9).String())
}
