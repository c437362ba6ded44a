// ABOUTME: Authentication context for tracking agent identity through request handlers
// ABOUTME: Provides WithAgent/AgentFromContext for propagating auth info via context

package auth

import (
	"context"
)

// agentContextKey is the key type for storing the agent username in context.Context.
type agentContextKey struct{}

// WithAgent returns a new context carrying the authenticated agent username.
func WithAgent(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, agentContextKey{}, username)
}

// AgentFromContext returns the authenticated agent username, or false if
// the request was not authenticated.
func AgentFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(agentContextKey{}).(string)
	return username, ok && username != ""
}
