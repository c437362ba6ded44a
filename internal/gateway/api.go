// ABOUTME: JSON HTTP handlers for history, roster, and health endpoints
// ABOUTME: History reads go straight to the configured history store

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/desk-gateway/internal/protocol"
	"github.com/2389/desk-gateway/internal/registry"
	"github.com/2389/desk-gateway/internal/session"
	"github.com/2389/desk-gateway/internal/store"
)

// HistoryResponse is the body of GET /api/messages/history.
type HistoryResponse struct {
	Messages []protocol.MessagePayload `json:"messages"`
}

// AgentsResponse is the body of GET /api/agents.
type AgentsResponse struct {
	Agents []protocol.AgentPayload `json:"agents"`
}

// ReadyResponse is the body of GET /health/ready.
type ReadyResponse struct {
	Status string `json:"status"`
	Users  int    `json:"users"`
	Agents int    `json:"agents"`
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError sends a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns OK if the process is up.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports live connection counts, or 503 if the history store
// cannot be reached.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadyResponse{
		Status: "ready",
		Users:  g.registry.Count(registry.RoleUser),
		Agents: g.registry.Count(registry.RoleAgent),
	}
	if err := g.history.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		resp.Status = "unavailable"
		g.sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleListAgents returns the agent roster with presence.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	entries := g.registry.ListAgents()
	resp := AgentsResponse{Agents: make([]protocol.AgentPayload, 0, len(entries))}
	for _, e := range entries {
		resp.Agents = append(resp.Agents, session.AgentPayload(e))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleHistory returns the conversation between one user and one agent in
// ascending timestamp order.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, agent := q.Get("user"), q.Get("agent")
	if user == "" || agent == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user and agent are required")
		return
	}

	limit := g.config.History.Limit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit <= 0 || n < limit {
			limit = n
		}
	}

	msgs, err := g.history.History(r.Context(), user, agent, limit)
	if err != nil {
		g.logger.Error("history read failed", "user", user, "agent", agent, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}

	resp := HistoryResponse{Messages: make([]protocol.MessagePayload, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messagePayload(m))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func messagePayload(m *store.Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:         m.ID,
		Sender:     m.Sender,
		SenderType: m.SenderType,
		Receiver:   m.Receiver(),
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}
}
