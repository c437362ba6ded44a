// ABOUTME: Session manager that runs user and agent connections end to end
// ABOUTME: Dispatches inbound events to the registry, router, and history store

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/metrics"
	"github.com/2389/desk-gateway/internal/presence"
	"github.com/2389/desk-gateway/internal/protocol"
	"github.com/2389/desk-gateway/internal/reconcile"
	"github.com/2389/desk-gateway/internal/registry"
	"github.com/2389/desk-gateway/internal/router"
	"github.com/2389/desk-gateway/internal/store"
)

const readLimit = 64 << 10

// Config holds per-connection limits.
type Config struct {
	QueueSize         int
	WriteTimeout      time.Duration
	MaxUsernameLength int
}

// Manager runs sessions against shared registry, router, and store state.
type Manager struct {
	registry *registry.Registry
	tracker  *presence.Tracker
	router   *router.Router
	history  store.HistoryStore
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a Manager. now may be nil.
func NewManager(reg *registry.Registry, tracker *presence.Tracker, rt *router.Router, history store.HistoryStore, cfg Config, now func() time.Time, logger *slog.Logger) *Manager {
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = 64
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: reg,
		tracker:  tracker,
		router:   rt,
		history:  history,
		cfg:      cfg,
		now:      now,
		logger:   logger.With("component", "session"),
	}
}

// AgentPayload converts a roster entry to its wire form.
func AgentPayload(e presence.Entry) protocol.AgentPayload {
	return protocol.AgentPayload{
		ID:       e.Identity,
		Username: e.Identity,
		IsOnline: e.Online,
		Status:   e.Status(),
		LastSeen: e.LastSeen,
	}
}

// Announce implements registry.Announcer by queueing agentStatusChanged on
// every live user connection.
func (m *Manager) Announce(delta presence.Delta, users []*registry.Connection) {
	status := presence.StatusOffline
	if delta.Online {
		status = presence.StatusOnline
	}
	frame := protocol.NewFrame(protocol.EventAgentStatusChanged, protocol.AgentPayload{
		ID:       delta.Identity,
		Username: delta.Identity,
		IsOnline: delta.Online,
		Status:   status,
		LastSeen: delta.At,
	})
	for _, conn := range users {
		conn.Enqueue(frame)
	}
	m.logger.Debug("presence announced", "agent", delta.Identity, "online", delta.Online, "users", len(users))
}

// Serve runs a session on an accepted WebSocket until it closes. For
// agents, identity is the authenticated username; users pass "".
func (m *Manager) Serve(ctx context.Context, ws *websocket.Conn, role registry.Role, identity string) {
	ws.SetReadLimit(readLimit)

	conn := registry.NewConnection(registry.ConnectionParams{
		ID:           uuid.New().String(),
		Transport:    &wsTransport{conn: ws},
		Capacity:     m.cfg.QueueSize,
		WriteTimeout: m.cfg.WriteTimeout,
		Logger:       m.logger,
	})

	s := &session{
		m:      m,
		conn:   conn,
		role:   role,
		logger: m.logger.With("conn_id", conn.ID, "role", role),
	}
	s.machine = reconcile.NewMachine(func(from, to reconcile.State, identity, reason string) {
		s.logger.Debug("session state changed", "from", from, "to", to, "identity", identity, "reason", reason)
	})
	_ = s.machine.Open()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.Run(ctx)

	defer s.cleanup()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if role == registry.RoleAgent {
		if err := s.identify(identity, nil); err != nil {
			s.logger.Warn("agent admission failed", "agent", identity, "error", err)
			return
		}
	}

	s.logger.Info("=== SESSION OPENED ===", "identity", identity)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("websocket closed by peer", "status", websocket.CloseStatus(err))
			} else if !conn.Closed() {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.sendError(protocol.CodeBadRequest, "binary frames are not supported")
			continue
		}
		s.handle(ctx, data)
	}
}

// session is the per-connection state owned by the reader goroutine.
type session struct {
	m       *Manager
	conn    *registry.Connection
	role    registry.Role
	machine *reconcile.Machine
	logger  *slog.Logger

	// joined is the user an agent last selected with joinRoom.
	joined string
}

func (s *session) cleanup() {
	identity := s.machine.Identity()
	if !s.m.registry.Evict(s.conn.ID) {
		s.conn.Close(registry.ReasonEvicted)
	}
	s.machine.Close("channel closed")
	s.logger.Info("=== SESSION CLOSED ===", "identity", identity)
}

func (s *session) send(f protocol.Frame) {
	s.conn.Enqueue(f)
}

func (s *session) sendError(code, msg string) {
	metrics.ProtocolErrors.WithLabelValues(code).Inc()
	s.send(protocol.NewError(code, msg))
}

// identify admits the connection under identity and moves the machine to
// Identified. then runs under the registry lock; see registry.AdmitFunc.
func (s *session) identify(identity string, then func()) error {
	if cur := s.machine.Identity(); cur != "" && cur != identity {
		return fmt.Errorf("%w: already identified as %q", registry.ErrIdentityConflict, cur)
	}
	if err := s.m.registry.AdmitFunc(s.conn, s.role, identity, then); err != nil {
		return err
	}
	if err := s.machine.Identify(identity); err != nil {
		return fmt.Errorf("%w: %v", registry.ErrIdentityConflict, err)
	}
	s.logger = s.logger.With("identity", identity)
	return nil
}

func (s *session) handle(ctx context.Context, data []byte) {
	cmd, err := protocol.Decode(data)
	if err != nil {
		s.sendError(protocol.CodeBadRequest, err.Error())
		return
	}

	if c, ok := cmd.(protocol.IdentifyUser); ok {
		s.handleIdentify(c)
		return
	}

	if err := s.machine.Require(); err != nil {
		s.sendError(protocol.CodeNotIdentified, fmt.Sprintf("%s requires identification", cmd.EventName()))
		return
	}

	switch c := cmd.(type) {
	case protocol.JoinRoom:
		s.handleJoinRoom(c)
	case protocol.LeaveRoom:
		s.handleLeaveRoom()
	case protocol.SendMessage:
		s.handleSendMessage(ctx, c)
	case protocol.Typing:
		s.handleTyping(c)
	case protocol.GetInitialUsers:
		s.handleGetInitialUsers(ctx)
	default:
		s.sendError(protocol.CodeBadRequest, "unsupported event "+cmd.EventName())
	}
}

func (s *session) handleIdentify(c protocol.IdentifyUser) {
	if s.role != registry.RoleUser {
		s.sendError(protocol.CodeBadRequest, "agents are identified by their token")
		return
	}
	if err := auth.ValidateUsername(c.Username, s.m.cfg.MaxUsernameLength); err != nil {
		s.sendError(protocol.CodeBadRequest, err.Error())
		return
	}

	err := s.identify(c.Username, func() {
		snapshot := s.m.tracker.Snapshot()
		agents := make([]protocol.AgentPayload, len(snapshot))
		for i, e := range snapshot {
			agents[i] = AgentPayload(e)
		}
		s.send(protocol.NewFrame(protocol.EventUserIdentified, protocol.UserIdentifiedPayload{
			Username: c.Username,
			Agents:   agents,
		}))
	})
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrIdentityConflict):
		s.sendError(protocol.CodeIdentityConflict, err.Error())
	case errors.Is(err, registry.ErrConnectionClosed):
	default:
		s.sendError(protocol.CodeBadRequest, err.Error())
	}
}

func (s *session) handleJoinRoom(c protocol.JoinRoom) {
	if s.role != registry.RoleAgent {
		s.sendError(protocol.CodeBadRequest, "only agents join rooms")
		return
	}
	agent := s.machine.Identity()
	s.m.router.Bind(c.Username, agent)
	s.joined = c.Username
	s.logger.Info("agent joined conversation", "user", c.Username)
}

func (s *session) handleLeaveRoom() {
	identity := s.machine.Identity()
	if s.role == registry.RoleUser {
		s.m.router.Unbind(identity)
		return
	}
	if s.joined != "" {
		s.m.router.UnbindIf(s.joined, identity)
		s.joined = ""
	}
}

func (s *session) handleSendMessage(ctx context.Context, c protocol.SendMessage) {
	sender := s.machine.Identity()
	user, agent := sender, c.ReceiverUsername
	if s.role == registry.RoleAgent {
		user, agent = c.ReceiverUsername, sender
	}

	firstContact := false
	if s.role == registry.RoleUser {
		firstContact = !s.m.router.HasBinding(user, agent)
		s.m.router.Bind(user, agent)
	} else if err := s.m.router.Authorize(sender, s.role, c.ReceiverUsername); err != nil {
		s.sendError(protocol.CodeBadRequest, fmt.Sprintf("cannot message %s: %v", c.ReceiverUsername, err))
		return
	}

	env := router.NewChat(sender, s.role, c.ReceiverUsername, c.Content, s.m.now().UTC())

	if s.m.history != nil {
		err := s.m.history.AppendMessage(ctx, &store.Message{
			ID:         env.ID,
			User:       user,
			Agent:      agent,
			Sender:     sender,
			SenderType: string(s.role),
			Content:    env.Content,
			Timestamp:  env.Timestamp,
		})
		if err != nil {
			s.logger.Error("failed to persist message", "id", env.ID, "error", err)
			s.sendError(protocol.CodeUpstreamUnavailable, "message history unavailable; message was not saved")
		}
	}

	if firstContact {
		s.notifyNewUser(agent, env)
	}

	outcome := s.m.router.Route(env)

	s.send(protocol.NewFrame(protocol.EventMessageSent, protocol.MessageSentPayload{
		ID:        env.ID,
		Receiver:  env.Recipient,
		Content:   env.Content,
		Timestamp: env.Timestamp,
		Delivered: outcome == router.Delivered,
	}))
}

func (s *session) notifyNewUser(agent string, env *router.Envelope) {
	conn, ok := s.m.registry.Lookup(registry.RoleAgent, agent)
	if !ok {
		return
	}
	conn.Enqueue(protocol.NewFrame(protocol.EventNewUserMessage, protocol.ConversationSummary{
		Username:    env.Sender,
		LastMessage: env.Content,
		Timestamp:   env.Timestamp,
	}))
}

func (s *session) handleTyping(c protocol.Typing) {
	sender := s.machine.Identity()
	if err := s.m.router.Authorize(sender, s.role, c.ReceiverUsername); err != nil {
		return
	}
	s.m.router.Signal(sender, s.role, c.ReceiverUsername, c.IsTyping)
}

func (s *session) handleGetInitialUsers(ctx context.Context) {
	if s.role != registry.RoleAgent {
		s.sendError(protocol.CodeBadRequest, "only agents list users")
		return
	}

	users := []protocol.ConversationSummary{}
	if s.m.history != nil {
		convs, err := s.m.history.Conversations(ctx, s.machine.Identity())
		if err != nil {
			s.logger.Error("failed to load conversations", "error", err)
			s.sendError(protocol.CodeUpstreamUnavailable, "conversation list unavailable")
			return
		}
		for _, c := range convs {
			users = append(users, protocol.ConversationSummary{
				Username:    c.User,
				LastMessage: c.LastMessage,
				Timestamp:   c.Timestamp,
			})
		}
	}

	s.send(protocol.NewFrame(protocol.EventInitialUserList, protocol.InitialUserListPayload{Users: users}))
}
