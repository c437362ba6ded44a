// ABOUTME: Tests for the reconnecting desk client
// ABOUTME: Uses a scripted WebSocket server and a real gateway end to end

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/gateway"
	"github.com/2389/desk-gateway/internal/protocol"
	"github.com/2389/desk-gateway/internal/store"
)

// scriptedServer runs script for each accepted connection; n counts from 1.
type scriptedServer struct {
	srv    *httptest.Server
	conns  atomic.Int32
	frames chan Event
}

func newScriptedServer(t *testing.T, script func(n int, ws *websocket.Conn, s *scriptedServer)) *scriptedServer {
	t.Helper()
	s := &scriptedServer{frames: make(chan Event, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.conns.Add(1))
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		script(n, ws, s)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// read receives one client frame and records it.
func (s *scriptedServer) read(ws *websocket.Conn) (Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	s.frames <- ev
	return ev, nil
}

// drain records frames until the client goes away.
func (s *scriptedServer) drain(ws *websocket.Conn) {
	for {
		if _, err := s.read(ws); err != nil {
			return
		}
	}
}

func write(ws *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, raw)
}

func nextFrame(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Event{}
	}
}

func runClient(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, c.Connect(ctx))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() { _ = c.Close() })
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{ServerURL: "http://localhost"})
	assert.Error(t, err)

	_, err = New(Config{ServerURL: "http://localhost", Username: "alice", Token: "x"})
	assert.Error(t, err)

	_, err = New(Config{ServerURL: "ftp://localhost", Username: "alice"})
	assert.Error(t, err)

	_, err = New(Config{ServerURL: "http://localhost", Token: "not-a-jwt"})
	assert.Error(t, err)

	tok, err := auth.NewJWTVerifier([]byte("secret")).Generate("bob", time.Hour)
	require.NoError(t, err)
	c, err := New(Config{ServerURL: "https://desk.example.com", Token: tok})
	require.NoError(t, err)
	assert.True(t, c.IsAgent())
	assert.Equal(t, "bob", c.Identity())
	assert.Equal(t, "wss://desk.example.com/ws/agent", c.socketURL())
	assert.Equal(t, DefaultMaxAttempts, c.cfg.MaxAttempts)
}

func TestClient_ReconnectReidentifiesAndDedupes(t *testing.T) {
	srv := newScriptedServer(t, func(n int, ws *websocket.Conn, s *scriptedServer) {
		if _, err := s.read(ws); err != nil {
			return
		}
		if n == 1 {
			_ = write(ws, protocol.EventMessageReceived, protocol.MessagePayload{ID: "m1", Sender: "bob", Content: "first"})
			ws.Close(websocket.StatusGoingAway, "restart")
			return
		}
		// A replay after reconnect repeats m1
		_ = write(ws, protocol.EventMessageReceived, protocol.MessagePayload{ID: "m1", Sender: "bob", Content: "first"})
		_ = write(ws, protocol.EventMessageReceived, protocol.MessagePayload{ID: "m2", Sender: "bob", Content: "second"})
		s.drain(ws)
	})

	events := make(chan Event, 16)
	reconnects := make(chan int, 4)
	c, err := New(Config{
		ServerURL:   srv.srv.URL,
		Username:    "alice",
		RetryDelay:  10 * time.Millisecond,
		OnEvent:     func(ev Event) { events <- ev },
		OnReconnect: func(_ context.Context, attempt int) { reconnects <- attempt },
	})
	require.NoError(t, err)
	runClient(t, c)

	ident := nextFrame(t, srv.frames)
	assert.Equal(t, protocol.EventIdentifyUser, ident.Name)
	assert.JSONEq(t, `{"username":"alice"}`, string(ident.Data))

	var m protocol.MessagePayload
	require.NoError(t, nextFrame(t, events).Decode(&m))
	assert.Equal(t, "m1", m.ID)

	assert.Equal(t, 1, <-reconnects)
	again := nextFrame(t, srv.frames)
	assert.Equal(t, protocol.EventIdentifyUser, again.Name)

	require.NoError(t, nextFrame(t, events).Decode(&m))
	assert.Equal(t, "m2", m.ID, "duplicate m1 must be suppressed")

	row, ok := c.Inbox().Get("bob")
	require.True(t, ok)
	assert.Equal(t, "second", row.LastMessage)
	assert.Equal(t, 2, row.Unread)
}

func TestClient_SupersededDoesNotReconnect(t *testing.T) {
	srv := newScriptedServer(t, func(n int, ws *websocket.Conn, s *scriptedServer) {
		if _, err := s.read(ws); err != nil {
			return
		}
		ws.Close(websocket.StatusPolicyViolation, "superseded by a newer connection")
	})

	c, err := New(Config{ServerURL: srv.srv.URL, Username: "alice", RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	done := runClient(t, c)

	err = waitErr(t, done)
	assert.ErrorIs(t, err, ErrSuperseded)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, srv.conns.Load())

	// The socket is already gone, so closing is a no-op.
	assert.NoError(t, c.Close())
}

func TestClient_ReconnectGivesUp(t *testing.T) {
	var accepted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accepted.Swap(true) {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.Close(websocket.StatusGoingAway, "bye")
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{ServerURL: srv.URL, Username: "alice", MaxAttempts: 2, RetryDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	done := runClient(t, c)

	assert.ErrorIs(t, waitErr(t, done), ErrReconnectFailed)
}

func TestClient_CloseStopsRun(t *testing.T) {
	srv := newScriptedServer(t, func(n int, ws *websocket.Conn, s *scriptedServer) {
		s.drain(ws)
	})

	c, err := New(Config{ServerURL: srv.srv.URL, Username: "alice"})
	require.NoError(t, err)
	done := runClient(t, c)
	nextFrame(t, srv.frames)

	require.NoError(t, c.Close())
	assert.NoError(t, waitErr(t, done))
	assert.EqualValues(t, 1, srv.conns.Load())
}

func TestClient_CloseDuringBackoffStopsReconnect(t *testing.T) {
	srv := newScriptedServer(t, func(n int, ws *websocket.Conn, s *scriptedServer) {
		if _, err := s.read(ws); err != nil {
			return
		}
		ws.Close(websocket.StatusGoingAway, "restart")
	})

	c, err := New(Config{ServerURL: srv.srv.URL, Username: "alice", RetryDelay: 300 * time.Millisecond})
	require.NoError(t, err)
	done := runClient(t, c)
	nextFrame(t, srv.frames)

	time.Sleep(50 * time.Millisecond)
	_ = c.Close()

	assert.NoError(t, waitErr(t, done))
	time.Sleep(400 * time.Millisecond)
	assert.EqualValues(t, 1, srv.conns.Load())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestClient_TypingBurstEndsOnSend(t *testing.T) {
	srv := newScriptedServer(t, func(n int, ws *websocket.Conn, s *scriptedServer) {
		s.drain(ws)
	})

	c, err := New(Config{ServerURL: srv.srv.URL, Username: "alice", QuietWindow: time.Minute})
	require.NoError(t, err)
	runClient(t, c)
	nextFrame(t, srv.frames)

	c.Keystroke("bob")
	c.Keystroke("bob")
	require.NoError(t, c.SendMessage(context.Background(), "bob", "hello"))

	on := nextFrame(t, srv.frames)
	assert.Equal(t, protocol.EventTyping, on.Name)
	assert.JSONEq(t, `{"receiverUsername":"bob","isTyping":true}`, string(on.Data))

	off := nextFrame(t, srv.frames)
	assert.JSONEq(t, `{"receiverUsername":"bob","isTyping":false}`, string(off.Data))

	msg := nextFrame(t, srv.frames)
	assert.Equal(t, protocol.EventSendMessage, msg.Name)
	assert.JSONEq(t, `{"receiverUsername":"bob","content":"hello"}`, string(msg.Data))
}

func TestClient_AgainstGateway(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	mem := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.CreateAgent(ctx, &store.AgentAccount{ID: "b", Username: "bob", PasswordHash: "x", CreatedAt: time.Now()}))

	gw, err := gateway.NewWithStores(ctx, cfg, mem, mem, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	aliceEvents := make(chan Event, 16)
	alice, err := New(Config{ServerURL: srv.URL, Username: "alice", OnEvent: func(ev Event) { aliceEvents <- ev }})
	require.NoError(t, err)
	runClient(t, alice)
	assert.Equal(t, protocol.EventUserIdentified, nextFrame(t, aliceEvents).Name)

	token, err := gw.Accounts().IssueToken("bob")
	require.NoError(t, err)
	bobEvents := make(chan Event, 16)
	bob, err := New(Config{ServerURL: srv.URL, Token: token, OnEvent: func(ev Event) { bobEvents <- ev }})
	require.NoError(t, err)
	runClient(t, bob)

	var status protocol.AgentPayload
	require.NoError(t, nextFrame(t, aliceEvents).Decode(&status))
	assert.True(t, status.IsOnline)

	require.NoError(t, alice.SendMessage(ctx, "bob", "where is my parcel"))
	assert.Equal(t, protocol.EventMessageSent, nextFrame(t, aliceEvents).Name)
	assert.Equal(t, protocol.EventNewUserMessage, nextFrame(t, bobEvents).Name)
	assert.Equal(t, protocol.EventMessageReceived, nextFrame(t, bobEvents).Name)

	row, ok := bob.Inbox().Get("alice")
	require.True(t, ok)
	assert.Equal(t, "where is my parcel", row.LastMessage)
	assert.Equal(t, 1, row.Unread)

	// Everything in history was already delivered live
	fresh, err := bob.Reload(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, fresh)
	fresh, err = alice.Reload(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, fresh)

	require.NoError(t, bob.GetInitialUsers(ctx))
	assert.Equal(t, protocol.EventInitialUserList, nextFrame(t, bobEvents).Name)
	assert.Equal(t, []string{"alice"}, peers(bob.Inbox().List()))

	agents, err := alice.API().Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.True(t, agents[0].IsOnline)
}

func TestAPI_RegisterLoginErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	mem := store.NewMemoryStore()
	gw, err := gateway.NewWithStores(context.Background(), cfg, mem, mem, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	api, err := NewAPI(srv.URL, nil)
	require.NoError(t, err)
	ctx := context.Background()

	agent, err := api.Register(ctx, "carol", "longpassword")
	require.NoError(t, err)
	assert.Equal(t, "carol", agent.Username)

	_, err = api.Register(ctx, "carol", "longpassword")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	token, who, err := api.Login(ctx, "carol", "longpassword")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "carol", who.Username)

	_, _, err = api.Login(ctx, "carol", "nope-nope-nope")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = api.History(ctx, "", "carol", 0)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}
