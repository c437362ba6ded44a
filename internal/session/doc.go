// Package session runs one WebSocket connection from handshake to close.
//
// Each connection gets a reader loop that decodes and handles inbound
// frames one at a time, and a writer goroutine that drains the
// connection's outbound queue. Handling a frame never blocks on another
// connection: deliveries are queued on the recipient's Connection and
// written by its own writer.
//
// Users connect anonymously and must send identifyUser before anything
// else is honoured. Agents are authenticated during the HTTP handshake and
// are identified as soon as the session starts.
package session
