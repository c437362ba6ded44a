// Package reconcile models the reconnect lifecycle of a desk-gateway
// connection.
//
// Each channel moves Disconnected → Connecting → Identified → Disconnected.
// Routing is only honoured in Identified. When a client reconnects it
// opens a new channel and must re-assert its identity; the registry then
// evicts whatever stale connection still holds that identity. Nothing is
// replayed: the client reloads history and re-binds its conversation
// itself, and from then on routing behaves as if the drop never happened.
package reconcile
