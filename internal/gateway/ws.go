// ABOUTME: WebSocket upgrade handlers for the user and agent endpoints
// ABOUTME: Hands accepted sockets to the session manager for their lifetime

package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/desk-gateway/internal/auth"
	"github.com/2389/desk-gateway/internal/registry"
)

// acceptOptions builds the upgrade options from the allowed origins. Origins
// may be full URLs or bare host patterns.
func (g *Gateway) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range g.config.Server.AllowedOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
			continue
		}
		opts.OriginPatterns = append(opts.OriginPatterns, strings.TrimSuffix(origin, "/"))
	}
	return opts
}

// handleUserSocket upgrades an anonymous user connection. The user asserts
// an identity later with identifyUser.
func (g *Gateway) handleUserSocket(w http.ResponseWriter, r *http.Request) {
	g.serveSocket(w, r, registry.RoleUser, "")
}

// handleAgentSocket upgrades a connection already authenticated by
// auth.RequireAgent.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	username, ok := auth.AgentFromContext(r.Context())
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "agent authentication required")
		return
	}
	g.serveSocket(w, r, registry.RoleAgent, username)
}

func (g *Gateway) serveSocket(w http.ResponseWriter, r *http.Request, role registry.Role, identity string) {
	ws, err := websocket.Accept(w, r, g.acceptOptions())
	if err != nil {
		g.logger.Warn("websocket accept failed", "role", role, "error", err)
		return
	}

	// Hijacked connections outlive the server's request tracking, so tie
	// the session to gateway shutdown as well.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(g.sessionCtx, cancel)
	defer stop()

	g.sessions.Serve(ctx, ws, role, identity)
}
