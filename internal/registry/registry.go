// ABOUTME: Registry of live connections keyed by id and by (role, identity)
// ABOUTME: Supersedes duplicate identities and drives presence on agent admit/evict

package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/desk-gateway/internal/metrics"
	"github.com/2389/desk-gateway/internal/presence"
)

// ErrIdentityConflict indicates an admission that would change a
// connection's identity or was rejected upstream.
var ErrIdentityConflict = errors.New("identity conflict")

// ErrInvalidIdentity indicates an empty identity or unknown role.
var ErrInvalidIdentity = errors.New("invalid identity")

// ErrConnectionClosed indicates the connection closed before admission.
var ErrConnectionClosed = errors.New("connection closed")

// Announcer fans a presence delta out to the given user connections. It is
// called with the registry lock held and must not call back into the
// Registry.
type Announcer interface {
	Announce(delta presence.Delta, users []*Connection)
}

// AnnouncerFunc adapts a function to the Announcer interface.
type AnnouncerFunc func(delta presence.Delta, users []*Connection)

// Announce calls f.
func (f AnnouncerFunc) Announce(delta presence.Delta, users []*Connection) {
	f(delta, users)
}

type identityKey struct {
	role     Role
	identity string
}

// Registry coordinates all live connections.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Connection
	byIdentity map[identityKey]*Connection

	tracker   *presence.Tracker
	announcer Announcer
	logger    *slog.Logger
}

// New creates a Registry backed by tracker. announcer may be nil.
func New(tracker *presence.Tracker, announcer Announcer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:       make(map[string]*Connection),
		byIdentity: make(map[identityKey]*Connection),
		tracker:    tracker,
		announcer:  announcer,
		logger:     logger.With("component", "registry"),
	}
}

// Admit registers conn as the live connection for (role, identity).
func (r *Registry) Admit(conn *Connection, role Role, identity string) error {
	return r.AdmitFunc(conn, role, identity, nil)
}

// AdmitFunc is Admit with a hook that runs after admission while the
// registry lock is still held. Frames the hook queues on conn are ordered
// before any presence delta produced by a later admission or eviction.
// The hook must not call back into the Registry.
func (r *Registry) AdmitFunc(conn *Connection, role Role, identity string, then func()) error {
	if identity == "" || (role != RoleUser && role != RoleAgent) {
		return ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := conn.Identity(); cur != "" {
		if cur != identity || conn.Role() != role {
			return ErrIdentityConflict
		}
	}

	key := identityKey{role: role, identity: identity}
	prior, exists := r.byIdentity[key]
	if exists && prior == conn {
		if then != nil {
			then()
		}
		return nil
	}

	if exists {
		r.logger.Info("superseding live connection",
			"role", role,
			"identity", identity,
			"old_conn_id", prior.ID,
			"new_conn_id", conn.ID,
		)
		r.removeLocked(prior)
		prior.Close(ReasonSuperseded)
		metrics.Supersessions.WithLabelValues(string(role)).Inc()
	}

	if !conn.bind(role, identity, r.release) {
		return ErrConnectionClosed
	}
	r.byID[conn.ID] = conn
	r.byIdentity[key] = conn
	metrics.LiveConnections.WithLabelValues(string(role)).Inc()

	r.logger.Info("connection admitted",
		"role", role,
		"identity", identity,
		"conn_id", conn.ID,
		"total", len(r.byID),
	)

	if role == RoleAgent && r.tracker != nil {
		r.announceLocked(r.tracker.OnAgentAdmitted(identity))
	}

	if then != nil {
		then()
	}
	return nil
}

// Evict removes the connection with the given id and closes it. Returns
// false if it was not registered.
func (r *Registry) Evict(id string) bool {
	return r.evict(id, ReasonEvicted)
}

func (r *Registry) evict(id, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byID[id]
	if !ok {
		return false
	}
	r.removeLocked(conn)
	conn.Close(reason)

	r.logger.Info("connection evicted",
		"role", conn.Role(),
		"identity", conn.Identity(),
		"conn_id", id,
		"total", len(r.byID),
	)
	return true
}

// release evicts a connection that closed itself, such as after a queue
// overflow or a failed write. Connections already removed are ignored.
func (r *Registry) release(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[conn.ID] != conn {
		return
	}
	r.removeLocked(conn)

	r.logger.Info("closed connection released",
		"role", conn.Role(),
		"identity", conn.Identity(),
		"conn_id", conn.ID,
		"total", len(r.byID),
	)
}

// removeLocked drops conn from both indexes and emits the offline delta for
// agents. Must be called with r.mu held.
func (r *Registry) removeLocked(conn *Connection) {
	role, identity := conn.Role(), conn.Identity()

	delete(r.byID, conn.ID)
	key := identityKey{role: role, identity: identity}
	if r.byIdentity[key] == conn {
		delete(r.byIdentity, key)
	}
	conn.markDead()
	metrics.LiveConnections.WithLabelValues(string(role)).Dec()

	if role == RoleAgent && r.tracker != nil {
		r.announceLocked(r.tracker.OnAgentEvicted(identity))
	}
}

func (r *Registry) announceLocked(delta presence.Delta) {
	metrics.PresenceDeltas.WithLabelValues(presenceLabel(delta.Online)).Inc()
	if r.announcer == nil {
		return
	}
	r.announcer.Announce(delta, r.usersLocked())
}

func presenceLabel(online bool) string {
	if online {
		return presence.StatusOnline
	}
	return presence.StatusOffline
}

// Lookup returns the live connection for (role, identity).
func (r *Registry) Lookup(role Role, identity string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byIdentity[identityKey{role: role, identity: identity}]
	return conn, ok
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byID[id]
	return conn, ok
}

// Users returns every live user connection.
func (r *Registry) Users() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usersLocked()
}

func (r *Registry) usersLocked() []*Connection {
	users := make([]*Connection, 0, len(r.byID))
	for key, conn := range r.byIdentity {
		if key.role == RoleUser {
			users = append(users, conn)
		}
	}
	return users
}

// Count returns the number of live connections with the given role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for key := range r.byIdentity {
		if key.role == role {
			n++
		}
	}
	return n
}

// ListAgents returns the roster snapshot.
func (r *Registry) ListAgents() []presence.Entry {
	if r.tracker == nil {
		return nil
	}
	return r.tracker.Snapshot()
}

// CloseAll closes and evicts every connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.evict(id, ReasonShutdown)
	}
}
