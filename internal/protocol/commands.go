// ABOUTME: Decodes inbound frames into a closed set of typed commands
// ABOUTME: One command type per client event; unknown events are rejected

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame is returned when an inbound frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrUnknownEvent is returned for events the server does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Command is an inbound client request.
type Command interface {
	EventName() string
}

// IdentifyUser asserts a user's identity on a user channel.
type IdentifyUser struct {
	Username string `json:"username"`
}

// JoinRoom is an agent selecting the user it is talking to.
type JoinRoom struct {
	Username string `json:"username"`
}

// LeaveRoom clears the current conversation.
type LeaveRoom struct{}

// SendMessage sends a chat message to the named recipient.
type SendMessage struct {
	ReceiverUsername string `json:"receiverUsername"`
	Content          string `json:"content"`
}

// Typing relays the sender's typing state to the named recipient.
type Typing struct {
	ReceiverUsername string `json:"receiverUsername"`
	IsTyping         bool   `json:"isTyping"`
}

// GetInitialUsers requests an agent's conversation list.
type GetInitialUsers struct{}

func (IdentifyUser) EventName() string    { return EventIdentifyUser }
func (JoinRoom) EventName() string        { return EventJoinRoom }
func (LeaveRoom) EventName() string       { return EventLeaveRoom }
func (SendMessage) EventName() string     { return EventSendMessage }
func (Typing) EventName() string          { return EventTyping }
func (GetInitialUsers) EventName() string { return EventGetInitialUsers }

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Decode parses a raw frame into a Command. String fields are trimmed,
// except chat content, which is only checked for emptiness.
func Decode(raw []byte) (Command, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch in.Event {
	case EventIdentifyUser:
		var c IdentifyUser
		if err := decodeData(in.Data, &c); err != nil {
			return nil, err
		}
		c.Username = strings.TrimSpace(c.Username)
		return c, nil

	case EventJoinRoom:
		var c JoinRoom
		if err := decodeData(in.Data, &c); err != nil {
			return nil, err
		}
		c.Username = strings.TrimSpace(c.Username)
		if c.Username == "" {
			return nil, fmt.Errorf("%w: joinRoom requires username", ErrMalformedFrame)
		}
		return c, nil

	case EventLeaveRoom:
		return LeaveRoom{}, nil

	case EventSendMessage:
		var c SendMessage
		if err := decodeData(in.Data, &c); err != nil {
			return nil, err
		}
		c.ReceiverUsername = strings.TrimSpace(c.ReceiverUsername)
		if c.ReceiverUsername == "" {
			return nil, fmt.Errorf("%w: sendMessage requires receiverUsername", ErrMalformedFrame)
		}
		if strings.TrimSpace(c.Content) == "" {
			return nil, fmt.Errorf("%w: sendMessage requires content", ErrMalformedFrame)
		}
		return c, nil

	case EventTyping:
		var c Typing
		if err := decodeData(in.Data, &c); err != nil {
			return nil, err
		}
		c.ReceiverUsername = strings.TrimSpace(c.ReceiverUsername)
		if c.ReceiverUsername == "" {
			return nil, fmt.Errorf("%w: typing requires receiverUsername", ErrMalformedFrame)
		}
		return c, nil

	case EventGetInitialUsers:
		return GetInitialUsers{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing event", ErrMalformedFrame)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, in.Event)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", ErrMalformedFrame)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
