package chat

import (
	"encoding/json"
	"fmt"
)

// EventType tags an envelope exchanged over the real-time channel.
type EventType string

// Recognised envelope types. Anything else is logged and dropped so that
// new server-side types never break older clients.
const (
	EventMessage   EventType = "message"
	EventTyping    EventType = "typing"
	EventRead      EventType = "read"
	EventError     EventType = "error"
	EventConnected EventType = "connected"
)

// Envelope is the tagged union sent in both directions over the
// WebSocket: {"type": ..., "data": ...}.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data as the payload of an envelope of type t.
func NewEnvelope(t EventType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}

	return Envelope{Type: t, Data: raw}, nil
}

// TypingEvent reports that a participant started or stopped typing.
type TypingEvent struct {
	ConversationID int64  `json:"-"`
	UserID         int64  `json:"user_id"`
	UserName       string `json:"user_name"`
	IsTyping       bool   `json:"is_typing"`
}

// ConnectedEvent confirms the server joined this client to a
// conversation's broadcast group.
type ConnectedEvent struct {
	ConversationID int64  `json:"chat_id"`
	UserID         int64  `json:"user_id"`
	Message        string `json:"message"`
}

// ErrorKind classifies locally surfaced errors.
type ErrorKind string

const (
	// ErrorTransport covers failed dials, unexpected drops and reconnect
	// exhaustion.
	ErrorTransport ErrorKind = "transport"
	// ErrorProtocol covers malformed envelopes and handler failures.
	ErrorProtocol ErrorKind = "protocol"
	// ErrorDurableWrite covers failed REST writes.
	ErrorDurableWrite ErrorKind = "durable_write"
	// ErrorAuth covers missing, expired or rejected tokens.
	ErrorAuth ErrorKind = "auth"
	// ErrorServer carries an error envelope sent by the server.
	ErrorServer ErrorKind = "server"
)

// ErrorEvent is delivered to Error handlers. Terminal is set when the
// connection will not recover without a new Open.
type ErrorEvent struct {
	ConversationID int64
	Kind           ErrorKind
	Message        string
	Err            error
	Terminal       bool
}

// StateChange is published whenever a connection handle changes state.
type StateChange struct {
	ConversationID int64
	From           ConnState
	To             ConnState
	Failures       int
	Err            error
}

// outbound payloads

type typingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type readPayload struct {
	MessageID int64 `json:"message_id,omitempty"`
}

// TypingEnvelope builds the ephemeral typing signal.
func TypingEnvelope(isTyping bool) Envelope {
	env, _ := NewEnvelope(EventTyping, typingPayload{IsTyping: isTyping})
	return env
}

// ReadEnvelope builds the ephemeral read acknowledgement peers see as a
// read receipt.
func ReadEnvelope(messageID int64) Envelope {
	env, _ := NewEnvelope(EventRead, readPayload{MessageID: messageID})
	return env
}
