// Package protocol defines the JSON frames exchanged over desk-gateway
// WebSockets.
//
// Every frame is an object of the form
//
//	{"event": "sendMessage", "data": {...}}
//
// Inbound frames are decoded into a closed set of Command types so the
// session loop can dispatch with a single type switch. Outbound frames are
// built with the New* helpers, which also tag each frame as reliable or
// ephemeral for the connection's outbound queue.
package protocol
