// ABOUTME: HTTP calls a desk client makes next to its WebSocket session
// ABOUTME: History reload, roster listing, and agent register/login

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/2389/desk-gateway/internal/protocol"
)

// Agent is an agent account as returned by the auth endpoints.
type Agent struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// API is a thin client for the gateway's JSON endpoints.
type API struct {
	base *url.URL
	http *http.Client
}

// NewAPI creates an API client for the gateway at serverURL.
func NewAPI(serverURL string, httpClient *http.Client) (*API, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", base.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{base: base, http: httpClient}, nil
}

func (a *API) endpoint(path string, query url.Values) string {
	u := *a.base
	u.Path = path
	u.RawQuery = query.Encode()
	return u.String()
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, into any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.endpoint(path, query), reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if into == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// History fetches the conversation between user and agent, oldest first.
// limit <= 0 leaves the cap to the server.
func (a *API) History(ctx context.Context, user, agent string, limit int) ([]protocol.MessagePayload, error) {
	q := url.Values{"user": {user}, "agent": {agent}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Messages []protocol.MessagePayload `json:"messages"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/messages/history", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Agents returns the roster with presence.
func (a *API) Agents(ctx context.Context) ([]protocol.AgentPayload, error) {
	var resp struct {
		Agents []protocol.AgentPayload `json:"agents"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/agents", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Register creates an agent account.
func (a *API) Register(ctx context.Context, username, password string) (*Agent, error) {
	var resp struct {
		Agent Agent `json:"agent"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := a.do(ctx, http.MethodPost, "/api/auth/agent/register", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Agent, nil
}

// Login exchanges agent credentials for a bearer token.
func (a *API) Login(ctx context.Context, username, password string) (string, *Agent, error) {
	var resp struct {
		Token string `json:"token"`
		Agent Agent  `json:"agent"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := a.do(ctx, http.MethodPost, "/api/auth/agent/login", nil, body, &resp); err != nil {
		return "", nil, err
	}
	return resp.Token, &resp.Agent, nil
}
