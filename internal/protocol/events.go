// ABOUTME: Wire event names and payload types for user and agent channels
// ABOUTME: Outbound frames carry a reliability class used by the send queue

package protocol

import (
	"encoding/json"
	"time"
)

// Client to server events.
const (
	EventIdentifyUser    = "identifyUser"
	EventJoinRoom        = "joinRoom"
	EventLeaveRoom       = "leaveRoom"
	EventSendMessage     = "sendMessage"
	EventTyping          = "typing"
	EventGetInitialUsers = "getInitialUsers"
)

// Server to client events.
const (
	EventUserIdentified     = "userIdentified"
	EventAgentStatusChanged = "agentStatusChanged"
	EventMessageReceived    = "messageReceived"
	EventMessageSent        = "messageSent"
	EventUserTyping         = "userTyping"
	EventAgentTyping        = "agentTyping"
	EventInitialUserList    = "initialUserList"
	EventNewUserMessage     = "newUserMessage"
	EventError              = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeIdentityConflict    = "identity_conflict"
	CodeNotIdentified       = "not_identified"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeBadRequest          = "bad_request"
)

// Sender types used in MessagePayload.SenderType.
const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// Frame is one outbound message. Ephemeral frames may be dropped by a full
// outbound queue; everything else must be delivered or the connection closed.
type Frame struct {
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	Ephemeral bool   `json:"-"`
}

// Encode marshals the frame to its wire form.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// AgentPayload describes one agent in a roster snapshot or status change.
type AgentPayload struct {
	ID       string    `json:"agentId"`
	Username string    `json:"username"`
	IsOnline bool      `json:"isOnline"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// UserIdentifiedPayload answers identifyUser with the current roster.
type UserIdentifiedPayload struct {
	Username string         `json:"username"`
	Agents   []AgentPayload `json:"agents"`
}

// MessagePayload is delivered to the recipient of a chat message.
type MessagePayload struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	SenderType string    `json:"senderType"`
	Receiver   string    `json:"receiver"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq,omitempty"`
}

// MessageSentPayload acknowledges a chat message to its sender.
type MessageSentPayload struct {
	ID        string    `json:"id"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Delivered bool      `json:"delivered"`
}

// UserTypingPayload is sent to an agent while a user types.
type UserTypingPayload struct {
	UserUsername string `json:"userUsername"`
	IsTyping     bool   `json:"isTyping"`
}

// AgentTypingPayload is sent to a user while an agent types.
type AgentTypingPayload struct {
	AgentUsername string `json:"agentUsername"`
	IsTyping      bool   `json:"isTyping"`
}

// ConversationSummary is one row of an agent's conversation list.
type ConversationSummary struct {
	Username    string    `json:"username"`
	LastMessage string    `json:"lastMessage"`
	Timestamp   time.Time `json:"timestamp"`
}

// InitialUserListPayload answers getInitialUsers.
type InitialUserListPayload struct {
	Users []ConversationSummary `json:"users"`
}

// ErrorPayload reports a rejected operation.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewFrame builds a reliable frame.
func NewFrame(event string, data any) Frame {
	return Frame{Event: event, Data: data}
}

// NewEphemeralFrame builds a frame that may be dropped under back-pressure.
func NewEphemeralFrame(event string, data any) Frame {
	return Frame{Event: event, Data: data, Ephemeral: true}
}

// NewError builds an error frame.
func NewError(code, message string) Frame {
	return NewFrame(EventError, ErrorPayload{Message: message, Code: code})
}
