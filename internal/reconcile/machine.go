// ABOUTME: Per-connection reconnect lifecycle: Disconnected, Connecting, Identified
// ABOUTME: Gates routing until identity is asserted and rejects invalid transitions

package reconcile

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotIdentified is returned when a connection attempts routing before
// its identity has been accepted.
var ErrNotIdentified = errors.New("not identified")

// ErrInvalidTransition is returned for transitions the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is a position in the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Identified
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Identified:
		return "identified"
	default:
		return "unknown"
	}
}

// Observer is notified after every successful transition.
type Observer func(from, to State, identity, reason string)

// Machine tracks the lifecycle of one connection. A machine that has
// returned to Disconnected stays there; a reconnecting client gets a fresh
// channel and therefore a fresh Machine.
type Machine struct {
	mu       sync.Mutex
	state    State
	identity string
	closed   bool
	observe  Observer
}

// NewMachine creates a Machine in the Disconnected state.
func NewMachine(observe Observer) *Machine {
	return &Machine{observe: observe}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the accepted identity, or "" if not identified.
func (m *Machine) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Open records that the channel is open: Disconnected to Connecting.
func (m *Machine) Open() error {
	return m.transition(Connecting, "", "channel opened")
}

// Identify records an accepted identity claim: Connecting to Identified.
// Repeating the same identity while Identified is a no-op; a different
// identity is an invalid transition since identities are immutable.
func (m *Machine) Identify(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", ErrInvalidTransition)
	}
	return m.transition(Identified, identity, "identity accepted")
}

// Close moves the machine to Disconnected. Safe to call repeatedly.
func (m *Machine) Close(reason string) {
	_ = m.transition(Disconnected, "", reason)
}

// Require returns ErrNotIdentified unless the machine is Identified.
func (m *Machine) Require() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Identified {
		return ErrNotIdentified
	}
	return nil
}

func (m *Machine) transition(to State, identity, reason string) error {
	m.mu.Lock()
	from := m.state

	switch {
	case to == Disconnected:
		if m.closed {
			m.mu.Unlock()
			return nil
		}
		m.closed = true
		identity = m.identity
	case m.closed:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s to %s after close", ErrInvalidTransition, from, to)
	case to == Connecting && from == Disconnected:
	case to == Identified && from == Connecting:
		m.identity = identity
	case to == Identified && from == Identified:
		same := m.identity == identity
		m.mu.Unlock()
		if !same {
			return fmt.Errorf("%w: already identified as %q", ErrInvalidTransition, m.Identity())
		}
		return nil
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	m.state = to
	observe := m.observe
	m.mu.Unlock()

	if observe != nil {
		observe(from, to, identity, reason)
	}
	return nil
}
