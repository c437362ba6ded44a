// Package store provides persistence for chat history and agent accounts.
//
// # Architecture
//
// Two interfaces split the concerns:
//
//   - HistoryStore: append-only chat messages and per-agent conversation lists
//   - AccountStore: agent usernames and bcrypt password hashes
//
// SQLiteStore implements both in a single database. RedisHistory is an
// alternative HistoryStore that keeps each conversation in a sorted set
// scored by timestamp; accounts always live in SQLite. MemoryStore
// implements both in memory for tests and can be switched into a failing
// mode to simulate an unreachable backend.
//
// # Errors
//
// Backend failures are wrapped with ErrUnavailable. ErrNotFound and
// ErrDuplicate are returned unwrapped so callers can compare with errors.Is.
package store
