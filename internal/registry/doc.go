// Package registry tracks every live desk-gateway connection.
//
// # Overview
//
// The Registry maps connection ids and (role, identity) pairs to live
// Connections. It enforces the single-live-connection rule: admitting a
// second connection for the same identity closes and evicts the first one
// before the new one becomes visible.
//
// Agent admissions and evictions update the presence tracker and fan the
// resulting delta out to every live user connection while the registry
// lock is held, so presence observed by any later operation is exact and
// deltas reach every user in the same order.
//
// # Connection
//
// A Connection owns a FIFO outbound queue drained by its own writer
// goroutine (Run). Ephemeral frames (typing) are dropped once the queue
// holds Capacity frames. Reliable frames are never dropped; if the backlog
// reaches four times the capacity the peer is treated as stalled and the
// connection is closed.
//
// # Thread Safety
//
// Registry and Connection are safe for concurrent use. Lock order is
// Registry, then presence Tracker, then Connection.
package registry
