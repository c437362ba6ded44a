// ABOUTME: End-to-end tests for the gateway over real HTTP and WebSocket connections
// ABOUTME: Runs the alice/bob support scenario plus the JSON endpoints

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/protocol"
	"github.com/2389/desk-gateway/internal/registry"
	"github.com/2389/desk-gateway/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	gw    *Gateway
	srv   *httptest.Server
	store *store.MemoryStore
}

func newTestEnv(t *testing.T, agents ...string) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.History.Limit = 50
	mem := store.NewMemoryStore()

	ctx := context.Background()
	for _, name := range agents {
		require.NoError(t, mem.CreateAgent(ctx, &store.AgentAccount{
			ID: name + "-id", Username: name, PasswordHash: "x", CreatedAt: time.Now(),
		}))
	}

	gw, err := NewWithStores(ctx, cfg, mem, mem, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{gw: gw, srv: srv, store: mem}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

func (e *testEnv) token(t *testing.T, agent string) string {
	t.Helper()
	tok, err := e.gw.Accounts().IssueToken(agent)
	require.NoError(t, err)
	return tok
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dial(t *testing.T, url string, header http.Header) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return &wsClient{t: t, ws: ws}
}

func (e *testEnv) dialUser(t *testing.T) *wsClient {
	return dial(t, e.wsURL("/ws/user"), nil)
}

func (e *testEnv) dialAgent(t *testing.T, agent string) *wsClient {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, agent))
	c := dial(t, e.wsURL("/ws/agent"), header)
	require.Eventually(t, func() bool {
		_, ok := e.gw.Registry().Lookup(registry.RoleAgent, agent)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(c.t, c.ws.Write(ctx, websocket.MessageText, raw))
}

func (c *wsClient) expect(event string, into any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.ws.Read(ctx)
	require.NoError(c.t, err)
	var f wireFrame
	require.NoError(c.t, json.Unmarshal(data, &f))
	require.Equal(c.t, event, f.Event, "payload: %s", f.Data)
	if into != nil {
		require.NoError(c.t, json.Unmarshal(f.Data, into))
	}
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, into any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestGateway_SupportScenario(t *testing.T) {
	env := newTestEnv(t, "bob")

	alice := env.dialUser(t)
	alice.send(protocol.EventIdentifyUser, map[string]string{"username": "alice"})
	var ident protocol.UserIdentifiedPayload
	alice.expect(protocol.EventUserIdentified, &ident)
	require.Len(t, ident.Agents, 1)
	assert.Equal(t, "bob", ident.Agents[0].Username)
	assert.False(t, ident.Agents[0].IsOnline)

	bob := env.dialAgent(t, "bob")
	var status protocol.AgentPayload
	alice.expect(protocol.EventAgentStatusChanged, &status)
	assert.Equal(t, "bob", status.Username)
	assert.True(t, status.IsOnline)

	alice.send(protocol.EventTyping, map[string]any{"receiverUsername": "bob", "isTyping": true})
	var typing protocol.UserTypingPayload
	bob.expect(protocol.EventUserTyping, &typing)
	assert.Equal(t, "alice", typing.UserUsername)
	assert.True(t, typing.IsTyping)

	alice.send(protocol.EventSendMessage, map[string]string{"receiverUsername": "bob", "content": "my order is late"})
	var sent protocol.MessageSentPayload
	alice.expect(protocol.EventMessageSent, &sent)
	assert.True(t, sent.Delivered)

	bob.expect(protocol.EventNewUserMessage, nil)
	var got protocol.MessagePayload
	bob.expect(protocol.EventMessageReceived, &got)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "my order is late", got.Content)

	bob.send(protocol.EventSendMessage, map[string]string{"receiverUsername": "alice", "content": "checking now"})
	var reply protocol.MessagePayload
	alice.expect(protocol.EventMessageReceived, &reply)
	assert.Equal(t, "bob", reply.Sender)
	assert.Equal(t, protocol.SenderAgent, reply.SenderType)
	bob.expect(protocol.EventMessageSent, nil)

	var history HistoryResponse
	require.Equal(t, http.StatusOK, getJSON(t, env.srv.URL+"/api/messages/history?user=alice&agent=bob", &history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "my order is late", history.Messages[0].Content)
	assert.Equal(t, "bob", history.Messages[0].Receiver)
	assert.Equal(t, "checking now", history.Messages[1].Content)

	bob.ws.Close(websocket.StatusNormalClosure, "")
	alice.expect(protocol.EventAgentStatusChanged, &status)
	assert.Equal(t, "bob", status.Username)
	assert.False(t, status.IsOnline)
	assert.Equal(t, "offline", status.Status)

	alice.send(protocol.EventSendMessage, map[string]string{"receiverUsername": "bob", "content": "anyone there?"})
	alice.expect(protocol.EventMessageSent, &sent)
	assert.False(t, sent.Delivered)
	assert.Equal(t, "anyone there?", sent.Content)

	require.Equal(t, http.StatusOK, getJSON(t, env.srv.URL+"/api/messages/history?user=alice&agent=bob", &history))
	assert.Len(t, history.Messages, 3)
}

func TestGateway_AgentSocketRequiresToken(t *testing.T) {
	env := newTestEnv(t, "bob")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, env.wsURL("/ws/agent"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, env.wsURL("/ws/agent?token=garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid signature for an account that does not exist
	_, resp, err = websocket.Dial(ctx, env.wsURL("/ws/agent?token="+env.token(t, "ghost")), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	env.store.SetFailing(true)
	_, resp, err = websocket.Dial(ctx, env.wsURL("/ws/agent?token="+env.token(t, "bob")), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_TokenQueryParameter(t *testing.T) {
	env := newTestEnv(t, "bob")
	dial(t, env.wsURL("/ws/agent?token="+env.token(t, "bob")), nil)
	require.Eventually(t, func() bool {
		return env.gw.Registry().Count(registry.RoleAgent) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_RegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	creds := map[string]string{"username": "carol", "password": "correct horse"}

	var reg struct {
		Agent struct {
			Username string `json:"username"`
		} `json:"agent"`
	}
	require.Equal(t, http.StatusCreated, postJSON(t, env.srv.URL+"/api/auth/agent/register", creds, &reg))
	assert.Equal(t, "carol", reg.Agent.Username)

	assert.Equal(t, http.StatusConflict, postJSON(t, env.srv.URL+"/api/auth/agent/register", creds, nil))
	assert.Equal(t, http.StatusBadRequest, postJSON(t, env.srv.URL+"/api/auth/agent/register",
		map[string]string{"username": "dave", "password": "short"}, nil))

	// Registration seeds the roster
	var agents AgentsResponse
	require.Equal(t, http.StatusOK, getJSON(t, env.srv.URL+"/api/agents", &agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "carol", agents.Agents[0].Username)
	assert.False(t, agents.Agents[0].IsOnline)

	var login struct {
		Token string `json:"token"`
	}
	require.Equal(t, http.StatusOK, postJSON(t, env.srv.URL+"/api/auth/agent/login", creds, &login))
	require.NotEmpty(t, login.Token)

	assert.Equal(t, http.StatusUnauthorized, postJSON(t, env.srv.URL+"/api/auth/agent/login",
		map[string]string{"username": "carol", "password": "wrong password"}, nil))

	dial(t, env.wsURL("/ws/agent?token="+login.Token), nil)
	require.Eventually(t, func() bool {
		_, ok := env.gw.Registry().Lookup(registry.RoleAgent, "carol")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusOK, getJSON(t, env.srv.URL+"/api/agents", &agents))
	require.Len(t, agents.Agents, 1)
	assert.True(t, agents.Agents[0].IsOnline)
}

func TestGateway_History(t *testing.T) {
	env := newTestEnv(t, "bob")
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, env.store.AppendMessage(ctx, &store.Message{
			ID: string(rune('a' + i)), User: "alice", Agent: "bob", Sender: "alice", SenderType: protocol.SenderUser,
			Content: "msg " + string(rune('a'+i)), Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	t.Run("missing params", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, getJSON(t, env.srv.URL+"/api/messages/history?user=alice", nil))
		assert.Equal(t, http.StatusBadRequest, getJSON(t, env.srv.URL+"/api/messages/history?agent=bob", nil))
	})

	t.Run("bad limit", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, getJSON(t, env.srv.URL+"/api/messages/history?user=alice&agent=bob&limit=x", nil))
	})

	t.Run("limit keeps most recent", func(t *testing.T) {
		var resp HistoryResponse
		require.Equal(t, http.StatusOK, getJSON(t, env.srv.URL+"/api/messages/history?user=alice&agent=bob&limit=2", &resp))
		require.Len(t, resp.Messages, 2)
		assert.Equal(t, "msg d", resp.Messages[0].Content)
		assert.Equal(t, "msg e", resp.Messages[1].Content)
	})

	t.Run("empty conversation", func(t *testing.T) {
		var resp HistoryResponse
		require.Equal(t, http.StatusOK, getJSON(t, env.srv.URL+"/api/messages/history?user=nobody&agent=bob", &resp))
		assert.NotNil(t, resp.Messages)
		assert.Empty(t, resp.Messages)
	})

	t.Run("store outage", func(t *testing.T) {
		env.store.SetFailing(true)
		defer env.store.SetFailing(false)
		assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, env.srv.URL+"/api/messages/history?user=alice&agent=bob", nil))
	})
}

func TestGateway_Health(t *testing.T) {
	env := newTestEnv(t, "bob")

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.dialAgent(t, "bob")
	alice := env.dialUser(t)
	alice.send(protocol.EventIdentifyUser, map[string]string{"username": "alice"})
	alice.expect(protocol.EventUserIdentified, nil)

	var ready ReadyResponse
	require.Equal(t, http.StatusOK, getJSON(t, env.srv.URL+"/health/ready", &ready))
	assert.Equal(t, ReadyResponse{Status: "ready", Users: 1, Agents: 1}, ready)

	env.store.SetFailing(true)
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, env.srv.URL+"/health/ready", &ready))
	assert.Equal(t, "unavailable", ready.Status)
}

func TestGateway_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_ShutdownClosesSessions(t *testing.T) {
	env := newTestEnv(t, "bob")
	bob := env.dialAgent(t, "bob")
	alice := env.dialUser(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))

	assert.Equal(t, 0, env.gw.Registry().Count(registry.RoleAgent))

	_, _, err := bob.ws.Read(ctx)
	require.Error(t, err)

	// The unidentified user is ended through the session context
	_, _, err = alice.ws.Read(ctx)
	require.Error(t, err)
}

func TestAcceptOptions(t *testing.T) {
	gw := &Gateway{config: config.Default()}
	gw.config.Server.AllowedOrigins = []string{"https://desk.example.com", "localhost:3000"}
	opts := gw.acceptOptions()
	assert.Equal(t, []string{"desk.example.com", "localhost:3000"}, opts.OriginPatterns)
	assert.False(t, opts.InsecureSkipVerify)

	gw.config.Server.AllowedOrigins = []string{"*"}
	assert.True(t, gw.acceptOptions().InsecureSkipVerify)
}

func TestGateway_GRPCHealth(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	mem := store.NewMemoryStore()
	ctx := context.Background()

	gw, err := NewWithStores(ctx, cfg, mem, mem, nil)
	require.NoError(t, err)

	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := gw.startServers(grpcLn, httpLn)

	conn, err := grpc.NewClient(grpcLn.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: healthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	require.NoError(t, gw.Shutdown(checkCtx))
	select {
	case err := <-errCh:
		t.Fatalf("server error after shutdown: %v", err)
	default:
	}
}
