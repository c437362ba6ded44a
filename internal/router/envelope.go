// ABOUTME: Envelope and Binding types carried through the router
// ABOUTME: Envelopes convert to the wire frame their recipient role expects

package router

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/desk-gateway/internal/protocol"
	"github.com/2389/desk-gateway/internal/registry"
)

// Kind distinguishes chat envelopes from typing signals.
type Kind string

const (
	KindChat   Kind = "chat"
	KindTyping Kind = "typing"
)

// Outcome is the result of routing one envelope.
type Outcome int

const (
	Undelivered Outcome = iota
	Delivered
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "undelivered"
}

// Envelope is one chat message or typing signal in flight.
type Envelope struct {
	ID         string
	Kind       Kind
	Sender     string
	SenderRole registry.Role
	Recipient  string
	Content    string
	IsTyping   bool
	Timestamp  time.Time

	// Seq is assigned by the recipient connection when the envelope is
	// queued. Zero for typing signals and undelivered envelopes.
	Seq uint64
}

// NewMessageID returns a time-ordered unique message id.
func NewMessageID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), rand.Reader).String()
}

// NewChat builds a chat envelope with a fresh id.
func NewChat(sender string, role registry.Role, recipient, content string, at time.Time) *Envelope {
	return &Envelope{
		ID:         NewMessageID(at),
		Kind:       KindChat,
		Sender:     sender,
		SenderRole: role,
		Recipient:  recipient,
		Content:    content,
		Timestamp:  at,
	}
}

// RecipientRole is the role opposite the sender's.
func (e *Envelope) RecipientRole() registry.Role {
	if e.SenderRole == registry.RoleAgent {
		return registry.RoleUser
	}
	return registry.RoleAgent
}

func (e *Envelope) frame(seq uint64) protocol.Frame {
	if e.Kind == KindTyping {
		if e.SenderRole == registry.RoleAgent {
			return protocol.NewEphemeralFrame(protocol.EventAgentTyping, protocol.AgentTypingPayload{
				AgentUsername: e.Sender,
				IsTyping:      e.IsTyping,
			})
		}
		return protocol.NewEphemeralFrame(protocol.EventUserTyping, protocol.UserTypingPayload{
			UserUsername: e.Sender,
			IsTyping:     e.IsTyping,
		})
	}
	return protocol.NewFrame(protocol.EventMessageReceived, protocol.MessagePayload{
		ID:         e.ID,
		Sender:     e.Sender,
		SenderType: string(e.SenderRole),
		Receiver:   e.Recipient,
		Content:    e.Content,
		Timestamp:  e.Timestamp,
		Seq:        seq,
	})
}

// Binding pairs a user with an agent.
type Binding struct {
	User         string
	Agent        string
	BoundAt      time.Time
	SupersededAt time.Time
}

// Active reports whether the binding has not been superseded.
func (b Binding) Active() bool {
	return b.SupersededAt.IsZero()
}
