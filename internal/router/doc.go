// Package router binds users to agents and routes chat and typing
// envelopes to the recipient's live connection.
//
// A user has at most one active binding. Rebinding supersedes the previous
// binding without deleting it, so an agent can still answer a user who has
// since moved on. Envelopes are never broadcast and never queued for an
// absent recipient: they are either handed to exactly one live connection
// or reported Undelivered.
package router
