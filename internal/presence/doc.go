// Package presence tracks agent online/offline state.
//
// # Overview
//
// The Tracker owns one Entry per known agent identity. It is a pure state
// machine: the registry calls OnAgentAdmitted and OnAgentEvicted while it
// holds its own lock, and the returned Delta is what gets fanned out to the
// connected users. The tracker never writes to a socket.
//
// Entries are created the first time an agent identifies (or when an agent
// account is seeded from the account store) and are never deleted. Absent
// identities read as offline.
package presence
