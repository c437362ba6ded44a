// ABOUTME: Adapts a coder/websocket connection to the registry Transport interface
// ABOUTME: Maps close reasons to WebSocket close codes

package session

import (
	"context"

	"github.com/coder/websocket"

	"github.com/2389/desk-gateway/internal/registry"
)

// wsTransport writes text frames to a WebSocket.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(CloseStatus(reason), reason)
}

// CloseStatus returns the WebSocket status code used for a close reason.
// A superseded connection gets StatusPolicyViolation so clients know not
// to reconnect and fight the newer connection.
func CloseStatus(reason string) websocket.StatusCode {
	switch reason {
	case registry.ReasonSuperseded:
		return websocket.StatusPolicyViolation
	case registry.ReasonShutdown:
		return websocket.StatusGoingAway
	case registry.ReasonOverflow:
		return websocket.StatusTryAgainLater
	case registry.ReasonWriteFailed:
		return websocket.StatusInternalError
	default:
		return websocket.StatusNormalClosure
	}
}
