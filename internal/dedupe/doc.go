// Package dedupe suppresses repeated message ids inside a time window.
//
// Clients reload conversation history after reconnecting; messages that
// were also delivered live must only be shown once.
package dedupe
