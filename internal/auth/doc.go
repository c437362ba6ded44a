// Package auth authenticates support agents for desk-gateway.
//
// Users are anonymous and never pass through this package. Agents register
// a username and password (stored as a bcrypt hash), log in to receive an
// HS256 JWT whose "sub" claim is the agent username, and present that
// token when opening their WebSocket:
//
//	Authorization: Bearer <token>
//	GET /ws/agent?token=<token>
//
// RequireAgent verifies the token, checks the account still exists, and
// stores the username in the request context (see AgentFromContext).
// Invalid credentials are rejected with 401. When the account store cannot
// be reached the request fails with 503 so callers can tell an outage from
// a bad token.
package auth
