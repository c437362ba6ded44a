// Package gateway orchestrates the desk-gateway server components.
//
// # Overview
//
// The Gateway owns the presence tracker, connection registry, conversation
// router, session manager, agent accounts, and history store, and serves
// them over HTTP. An optional gRPC listener exposes the standard health
// service.
//
// # HTTP API
//
//	GET  /ws/user                  anonymous user WebSocket
//	GET  /ws/agent                 agent WebSocket (bearer token or ?token=)
//	GET  /api/agents               roster snapshot
//	GET  /api/messages/history     ?user=&agent=[&limit=]
//	POST /api/auth/agent/register  {username, password}
//	POST /api/auth/agent/login     {username, password}
//	GET  /health                   liveness
//	GET  /health/ready             live counts; 503 when history is unreachable
//	GET  /metrics                  Prometheus, when enabled
//
// # Lifecycle
//
// Run blocks until its context is cancelled or a server fails, then calls
// Shutdown with a fresh timeout. Shutdown closes every live connection
// through the registry first so agents go offline and users are told,
// then stops the servers and closes the stores the gateway opened.
package gateway
