// ABOUTME: Roster of agent presence entries with pure online/offline transitions
// ABOUTME: Returns broadcast deltas to the caller instead of delivering them itself

package presence

import (
	"sort"
	"sync"
	"time"
)

// Status strings carried on the wire alongside the online flag.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Entry is the presence record for one agent identity.
type Entry struct {
	Identity string
	Online   bool
	LastSeen time.Time
}

// Status returns the wire status string for the entry.
func (e Entry) Status() string {
	if e.Online {
		return StatusOnline
	}
	return StatusOffline
}

// Delta describes a single presence transition to broadcast to users.
type Delta struct {
	Identity string
	Online   bool
	At       time.Time
}

// Tracker holds the roster. It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewTracker creates an empty tracker. Pass nil to use time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		entries: make(map[string]*Entry),
		now:     now,
	}
}

// Seed creates offline entries for identities that are not yet tracked.
// Existing entries are left untouched.
func (t *Tracker) Seed(identities ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range identities {
		if id == "" {
			continue
		}
		if _, ok := t.entries[id]; ok {
			continue
		}
		t.entries[id] = &Entry{Identity: id}
	}
}

// OnAgentAdmitted marks the identity online and returns the delta.
func (t *Tracker) OnAgentAdmitted(identity string) Delta {
	return t.transition(identity, true)
}

// OnAgentEvicted marks the identity offline and returns the delta.
func (t *Tracker) OnAgentEvicted(identity string) Delta {
	return t.transition(identity, false)
}

func (t *Tracker) transition(identity string, online bool) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	at := t.now()
	e, ok := t.entries[identity]
	if !ok {
		e = &Entry{Identity: identity}
		t.entries[identity] = e
	}
	e.Online = online
	e.LastSeen = at

	return Delta{Identity: identity, Online: online, At: at}
}

// Entry returns the entry for identity. Unknown identities report offline.
func (t *Tracker) Entry(identity string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[identity]
	if !ok {
		return Entry{Identity: identity}, false
	}
	return *e, true
}

// IsOnline reports the online flag for identity.
func (t *Tracker) IsOnline(identity string) bool {
	e, _ := t.Entry(identity)
	return e.Online
}

// Snapshot returns a copy of every entry, sorted by identity.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
