// ABOUTME: Reconnecting WebSocket client for desk users and agents
// ABOUTME: Re-identifies after reconnects and suppresses duplicate deliveries

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/desk-gateway/internal/dedupe"
	"github.com/2389/desk-gateway/internal/protocol"
	"github.com/2389/desk-gateway/internal/typing"
)

var (
	// ErrSuperseded means another connection took over this identity. The
	// client does not reconnect after it.
	ErrSuperseded = errors.New("connection superseded")

	// ErrReconnectFailed means every reconnect attempt failed.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")

	// ErrUnauthorized means the gateway rejected the agent token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotConnected is returned by senders while no socket is open.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("client closed")
)

// Reconnect defaults.
const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = time.Second
)

const sendTimeout = 5 * time.Second

// Event is one server frame.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Config configures a Client. Set Username for a user session or Token
// for an agent session.
type Config struct {
	ServerURL string
	Username  string
	Token     string

	MaxAttempts int
	RetryDelay  time.Duration
	QuietWindow time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger

	// OnEvent receives every frame that survives duplicate suppression.
	// It runs on the Run goroutine.
	OnEvent func(Event)

	// OnReconnect runs after a successful reconnect, before reading resumes.
	OnReconnect func(ctx context.Context, attempt int)
}

// Client is a desk session that survives transient disconnects.
type Client struct {
	cfg      Config
	identity string
	agent    bool
	api      *API
	seen     *dedupe.Cache
	inbox    *Inbox
	logger   *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	closing bool
	typers  map[string]*typing.Debouncer

	// done is closed by Close and interrupts reconnect backoff.
	done      chan struct{}
	closeOnce sync.Once
}

// New validates cfg and creates a Client. It does not connect.
func New(cfg Config) (*Client, error) {
	if (cfg.Username == "") == (cfg.Token == "") {
		return nil, errors.New("exactly one of username or token is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	api, err := NewAPI(cfg.ServerURL, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		identity: cfg.Username,
		agent:    cfg.Token != "",
		api:      api,
		seen:     dedupe.New(0, 0),
		inbox:    NewInbox(),
		typers:   make(map[string]*typing.Debouncer),
		done:     make(chan struct{}),
	}
	if c.agent {
		c.identity, err = tokenSubject(cfg.Token)
		if err != nil {
			return nil, err
		}
	}
	c.logger = cfg.Logger.With("component", "client", "identity", c.identity)
	return c, nil
}

// tokenSubject reads the agent name from the token without verifying it.
// The gateway verifies it on every handshake.
func tokenSubject(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// Identity returns the username this client speaks as.
func (c *Client) Identity() string { return c.identity }

// IsAgent reports whether this is an agent session.
func (c *Client) IsAgent() bool { return c.agent }

// Inbox returns the client's conversation list.
func (c *Client) Inbox() *Inbox { return c.inbox }

// API returns the JSON API client sharing this client's server.
func (c *Client) API() *API { return c.api }

func (c *Client) socketURL() string {
	u := *c.api.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	if c.agent {
		u.Path = "/ws/agent"
	} else {
		u.Path = "/ws/user"
	}
	u.RawQuery = ""
	return u.String()
}

// Connect opens the socket. Users are identified right away; agents are
// identified by the handshake. Returns ErrClosed once Close has been called.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosing() {
		return ErrClosed
	}

	opts := &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}
	if c.agent {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	}

	ws, resp, err := websocket.Dial(ctx, c.socketURL(), opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return fmt.Errorf("dialing gateway: %w", err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		ws.CloseNow()
		return ErrClosed
	}
	c.ws = ws
	c.mu.Unlock()

	if !c.agent {
		if err := c.send(ctx, protocol.EventIdentifyUser, map[string]string{"username": c.identity}); err != nil {
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			ws.CloseNow()
			return fmt.Errorf("identifying: %w", err)
		}
	}
	c.logger.Debug("connected", "url", c.socketURL())
	return nil
}

// Run reads frames until ctx ends, Close is called, or the connection is
// lost for good. Lost connections are retried MaxAttempts times with a
// linearly growing delay.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		ws, closing := c.ws, c.closing
		c.mu.Unlock()
		if closing {
			return nil
		}
		if ws == nil {
			return ErrNotConnected
		}

		err := c.readLoop(ctx, ws)
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosing() {
			return nil
		}
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return fmt.Errorf("%w: %w", ErrSuperseded, err)
		}

		c.logger.Warn("connection lost", "error", err)
		if err := c.reconnect(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-time.After(time.Duration(attempt) * c.cfg.RetryDelay):
		}

		if err := c.Connect(ctx); err != nil {
			if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrClosed) {
				return err
			}
			c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}

		c.logger.Info("reconnected", "attempt", attempt)
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect(ctx, attempt)
		}
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("malformed frame", "error", err)
			continue
		}
		if c.track(ev) && c.cfg.OnEvent != nil {
			c.cfg.OnEvent(ev)
		}
	}
}

// track updates local state from ev and reports whether ev is new.
func (c *Client) track(ev Event) bool {
	switch ev.Name {
	case protocol.EventMessageReceived:
		var m protocol.MessagePayload
		if err := ev.Decode(&m); err != nil {
			return true
		}
		if m.ID != "" && c.seen.Seen(m.ID) {
			return false
		}
		c.inbox.Touch(m.Sender, m.Content, m.Timestamp, true)
	case protocol.EventMessageSent:
		var m protocol.MessageSentPayload
		if err := ev.Decode(&m); err != nil {
			return true
		}
		if m.ID != "" {
			c.seen.Seen(m.ID)
		}
		c.inbox.Touch(m.Receiver, m.Content, m.Timestamp, false)
	case protocol.EventNewUserMessage:
		var s protocol.ConversationSummary
		if err := ev.Decode(&s); err == nil {
			c.inbox.Touch(s.Username, s.LastMessage, s.Timestamp, false)
		}
	case protocol.EventInitialUserList:
		var l protocol.InitialUserListPayload
		if err := ev.Decode(&l); err == nil {
			rows := make([]Conversation, 0, len(l.Users))
			for _, u := range l.Users {
				rows = append(rows, Conversation{Peer: u.Username, LastMessage: u.LastMessage, Timestamp: u.Timestamp})
			}
			c.inbox.Load(rows)
		}
	}
	return true
}

// Reload fetches history with peer and returns only messages this client
// has not shown yet.
func (c *Client) Reload(ctx context.Context, peer string) ([]protocol.MessagePayload, error) {
	user, agent := c.identity, peer
	if c.agent {
		user, agent = peer, c.identity
	}

	msgs, err := c.api.History(ctx, user, agent, 0)
	if err != nil {
		return nil, err
	}

	fresh := msgs[:0]
	for _, m := range msgs {
		if !c.seen.Seen(m.ID) {
			fresh = append(fresh, m)
		}
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		c.inbox.Touch(peer, last.Content, last.Timestamp, false)
	}
	return fresh, nil
}

func (c *Client) send(ctx context.Context, event string, data any) error {
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, raw)
}

// SendMessage sends a chat message and ends any typing burst toward to.
func (c *Client) SendMessage(ctx context.Context, to, content string) error {
	c.stopTyping(to)
	return c.send(ctx, protocol.EventSendMessage, map[string]string{
		"receiverUsername": to,
		"content":          content,
	})
}

// JoinRoom selects user as the agent's active conversation.
func (c *Client) JoinRoom(ctx context.Context, user string) error {
	return c.send(ctx, protocol.EventJoinRoom, map[string]string{"username": user})
}

// LeaveRoom ends the active conversation.
func (c *Client) LeaveRoom(ctx context.Context) error {
	return c.send(ctx, protocol.EventLeaveRoom, struct{}{})
}

// GetInitialUsers asks for the agent's conversation list.
func (c *Client) GetInitialUsers(ctx context.Context) error {
	return c.send(ctx, protocol.EventGetInitialUsers, struct{}{})
}

// Keystroke reports input activity toward to. Typing signals are sent on
// the first keystroke of a burst and after the quiet window.
func (c *Client) Keystroke(to string) {
	c.mu.Lock()
	d, ok := c.typers[to]
	if !ok {
		d = typing.NewDebouncer(c.cfg.QuietWindow, nil, func(isTyping bool) {
			err := c.send(context.Background(), protocol.EventTyping, map[string]any{
				"receiverUsername": to,
				"isTyping":         isTyping,
			})
			if err != nil {
				c.logger.Debug("typing signal not sent", "to", to, "error", err)
			}
		})
		c.typers[to] = d
	}
	c.mu.Unlock()

	d.Keystroke()
}

func (c *Client) stopTyping(to string) {
	c.mu.Lock()
	d := c.typers[to]
	c.mu.Unlock()
	if d != nil {
		d.Stop()
	}
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Close ends the session without reconnecting. Closing a client whose
// socket has already dropped is not an error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.closing = true
	typers := make([]*typing.Debouncer, 0, len(c.typers))
	for _, d := range c.typers {
		typers = append(typers, d)
	}
	c.mu.Unlock()

	for _, d := range typers {
		d.Stop()
	}
	if ws == nil {
		return nil
	}
	if err := ws.Close(websocket.StatusNormalClosure, ""); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
