// Package client is the Go client for the desk gateway.
//
// # Overview
//
// A Client holds one WebSocket session as either a user (identified by
// name with identifyUser) or an agent (identified by its bearer token in
// the handshake). When the connection drops it reconnects up to
// MaxAttempts times, waiting RetryDelay times the attempt number before
// each try, and identifies again. A connection closed because a newer one
// took over the identity is never retried.
//
// # Local State
//
// The client keeps an Inbox of conversations in move-to-front order and a
// dedupe cache of message ids, so that a history Reload after a reconnect
// does not repeat messages that were already delivered live.
//
// # Usage
//
//	c, err := client.New(client.Config{
//	    ServerURL: "http://127.0.0.1:8080",
//	    Username:  "alice",
//	    OnEvent:   func(ev client.Event) { ... },
//	    OnReconnect: func(ctx context.Context, _ int) {
//	        msgs, _ := c.Reload(ctx, "bob")
//	        ...
//	    },
//	})
//	if err := c.Connect(ctx); err != nil { ... }
//	go c.Run(ctx)
//	c.SendMessage(ctx, "bob", "hello")
package client
