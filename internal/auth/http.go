// ABOUTME: HTTP handlers for agent register/login and bearer-token middleware
// ABOUTME: Extracts tokens from the Authorization header or the token query parameter

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequestToken returns the bearer token from the Authorization header, or
// from the token query parameter for clients that cannot set headers on a
// WebSocket handshake.
func RequestToken(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") != "" {
		return extractBearerToken(r.Header.Get("Authorization"))
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing bearer token"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// RequireAgent creates an HTTP middleware that authenticates an agent bearer
// token and adds the username to the request context. Bad credentials get
// 401; an unreachable account store gets 503.
func RequireAgent(accounts *Accounts) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := RequestToken(r)
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			username, err := accounts.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnavailable) {
					accounts.logger.Error("agent authentication unavailable", "error", err)
					writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
					return
				}
				accounts.logger.Warn("agent authentication rejected", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), username)))
		})
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AgentResponse is the public view of an agent account.
type AgentResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token string        `json:"token"`
	Agent AgentResponse `json:"agent"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

// HandleRegister handles POST /api/auth/agent/register.
func (a *Accounts) HandleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	account, err := a.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAgentExists):
		writeError(w, http.StatusConflict, "agent already exists")
	case err != nil:
		a.logger.Error("agent registration failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "registration unavailable")
	default:
		writeJSON(w, http.StatusCreated, map[string]AgentResponse{
			"agent": {ID: account.ID, Username: account.Username, CreatedAt: account.CreatedAt},
		})
	}
}

// HandleLogin handles POST /api/auth/agent/login.
func (a *Accounts) HandleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	token, account, err := a.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, ErrBadCredentials):
		writeError(w, http.StatusUnauthorized, "invalid username or password")
	case err != nil:
		a.logger.Error("agent login failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "login unavailable")
	default:
		writeJSON(w, http.StatusOK, LoginResponse{
			Token: token,
			Agent: AgentResponse{ID: account.ID, Username: account.Username, CreatedAt: account.CreatedAt},
		})
	}
}
