// ABOUTME: Conversation router: user-to-agent bindings and envelope delivery
// ABOUTME: Resolves recipients through the registry and records routing outcomes

package router

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/desk-gateway/internal/metrics"
	"github.com/2389/desk-gateway/internal/registry"
)

// ErrNoBinding is returned by Authorize when an agent addresses a user it
// has never been bound to.
var ErrNoBinding = errors.New("no conversation binding")

// ErrWrongRole is returned by Authorize when sender and recipient share a role.
var ErrWrongRole = errors.New("sender role cannot address recipient")

// Directory resolves live connections. *registry.Registry satisfies it.
type Directory interface {
	Lookup(role registry.Role, identity string) (*registry.Connection, bool)
}

// Router holds conversation bindings and delivers envelopes.
type Router struct {
	dir    Directory
	now    func() time.Time
	logger *slog.Logger

	mu       sync.RWMutex
	active   map[string]int
	bindings map[string][]Binding
}

// New creates a Router. now may be nil.
func New(dir Directory, now func() time.Time, logger *slog.Logger) *Router {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		dir:      dir,
		now:      now,
		logger:   logger.With("component", "router"),
		active:   make(map[string]int),
		bindings: make(map[string][]Binding),
	}
}

// Bind makes agent the active partner of user, superseding any prior
// active binding. Returns false when that pair was already active.
func (r *Router) Bind(user, agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	at := r.now()
	history := r.bindings[user]
	if idx, ok := r.active[user]; ok {
		if history[idx].Agent == agent {
			return false
		}
		history[idx].SupersededAt = at
	}

	r.bindings[user] = append(history, Binding{User: user, Agent: agent, BoundAt: at})
	r.active[user] = len(r.bindings[user]) - 1

	r.logger.Debug("conversation bound", "user", user, "agent", agent)
	return true
}

// Unbind clears the active binding for user. Returns false if there was none.
func (r *Router) Unbind(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbindLocked(user)
}

// UnbindIf clears the active binding for user only if it points at agent.
func (r *Router) UnbindIf(user, agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.active[user]
	if !ok || r.bindings[user][idx].Agent != agent {
		return false
	}
	return r.unbindLocked(user)
}

func (r *Router) unbindLocked(user string) bool {
	idx, ok := r.active[user]
	if !ok {
		return false
	}
	r.bindings[user][idx].SupersededAt = r.now()
	delete(r.active, user)

	r.logger.Debug("conversation unbound", "user", user)
	return true
}

// Active returns the active binding for user.
func (r *Router) Active(user string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.active[user]
	if !ok {
		return Binding{}, false
	}
	return r.bindings[user][idx], true
}

// Bindings returns every binding user has had, oldest first.
func (r *Router) Bindings(user string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Binding, len(r.bindings[user]))
	copy(out, r.bindings[user])
	return out
}

// HasBinding reports whether user and agent have ever been bound.
func (r *Router) HasBinding(user, agent string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.bindings[user] {
		if b.Agent == agent {
			return true
		}
	}
	return false
}

// Authorize checks that sender may address recipient. Users may address
// any agent; agents may only address users they have been bound to.
func (r *Router) Authorize(sender string, role registry.Role, recipient string) error {
	switch role {
	case registry.RoleUser:
		return nil
	case registry.RoleAgent:
		if !r.HasBinding(recipient, sender) {
			return ErrNoBinding
		}
		return nil
	default:
		return ErrWrongRole
	}
}

// Route hands env to the recipient's live connection. Envelopes are never
// queued for an absent recipient.
func (r *Router) Route(env *Envelope) Outcome {
	outcome := r.deliver(env)
	metrics.EnvelopesRouted.WithLabelValues(string(env.Kind), outcome.String()).Inc()

	if env.Kind == KindChat {
		r.logger.Debug("envelope routed",
			"id", env.ID,
			"sender", env.Sender,
			"recipient", env.Recipient,
			"outcome", outcome,
		)
	}
	return outcome
}

func (r *Router) deliver(env *Envelope) Outcome {
	conn, ok := r.dir.Lookup(env.RecipientRole(), env.Recipient)
	if !ok {
		return Undelivered
	}

	if env.Kind == KindTyping {
		if conn.Enqueue(env.frame(0)) {
			return Delivered
		}
		return Undelivered
	}

	queued, seq := conn.Deliver(env.frame)
	if !queued {
		return Undelivered
	}
	env.Seq = seq
	return Delivered
}

// Signal relays a typing indicator at most once. It never persists and
// never waits for an absent recipient.
func (r *Router) Signal(sender string, role registry.Role, recipient string, isTyping bool) Outcome {
	return r.Route(&Envelope{
		Kind:       KindTyping,
		Sender:     sender,
		SenderRole: role,
		Recipient:  recipient,
		IsTyping:   isTyping,
		Timestamp:  r.now(),
	})
}
