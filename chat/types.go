// Package chat keeps a client-side mirror of one conversation's message
// stream in sync with the chat server. History and durable writes go
// through the REST API; new messages, typing indicators and read
// receipts arrive over a per-conversation WebSocket.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ConversationKind distinguishes one-to-one conversations from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// wireKindDirect is what the server calls a direct conversation.
const wireKindDirect = "individual"

// MarshalJSON writes the server's spelling of the kind.
func (k ConversationKind) MarshalJSON() ([]byte, error) {
	if k == KindDirect {
		return json.Marshal(wireKindDirect)
	}

	return json.Marshal(string(k))
}

// UnmarshalJSON accepts both the server spelling and the local one.
func (k *ConversationKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case wireKindDirect, string(KindDirect):
		*k = KindDirect
	case string(KindGroup):
		*k = KindGroup
	default:
		return fmt.Errorf("unknown conversation type %q", s)
	}

	return nil
}

// Participant is a member of a conversation.
type Participant struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	JoinedAt   Timestamp `json:"joined_at,omitzero"`
	LastReadAt Timestamp `json:"last_read_at,omitzero"`
}

// LastMessage is the preview shown in conversation lists.
type LastMessage struct {
	ID         int64     `json:"id"`
	Body       string    `json:"content"`
	SenderName string    `json:"sender_name,omitempty"`
	CreatedAt  Timestamp `json:"created_at"`
}

// Conversation is one entry of the user's conversation list.
type Conversation struct {
	ID               int64            `json:"id"`
	Kind             ConversationKind `json:"type"`
	Name             string           `json:"name,omitempty"`
	DisplayName      string           `json:"display_name"`
	CreatedAt        Timestamp        `json:"created_at"`
	UpdatedAt        Timestamp        `json:"updated_at"`
	ParticipantCount int              `json:"participant_count"`
	Participants     []Participant    `json:"participants"`
	LastMessage      *LastMessage     `json:"last_message,omitempty"`
	UnreadCount      int              `json:"unread_count"`
}

// Sender identifies the author of a message.
type Sender struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Attachment is a read-only reference to a file attached to a message.
type Attachment struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	FilePath   string    `json:"file_path"`
	FileSize   int64     `json:"file_size"`
	MimeType   string    `json:"mime_type"`
	MessageID  int64     `json:"message_id"`
	UploadedBy int64     `json:"uploaded_by_id,omitempty"`
	CreatedAt  Timestamp `json:"created_at"`
}

// Message is a single chat message. ID is assigned by the server and is
// the identity used for de-duplication.
type Message struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"chat_id"`
	SenderID       int64        `json:"sender_id,omitempty"`
	Body           string       `json:"content"`
	CreatedAt      Timestamp    `json:"created_at"`
	UpdatedAt      Timestamp    `json:"updated_at"`
	Edited         bool         `json:"is_edited"`
	EditedAt       Timestamp    `json:"edited_at,omitzero"`
	Sender         *Sender      `json:"sender,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CanEdit        bool         `json:"can_edit"`
	CanDelete      bool         `json:"can_delete"`
}

// SenderName returns the display name of the author, or an empty string
// for system messages without a sender.
func (m Message) SenderName() string {
	if m.Sender == nil {
		return ""
	}

	return m.Sender.Name
}

// preview builds the conversation-list preview for m.
func (m Message) preview() *LastMessage {
	return &LastMessage{
		ID:         m.ID,
		Body:       m.Body,
		SenderName: m.SenderName(),
		CreatedAt:  m.CreatedAt,
	}
}

// MessagePage is one page of history as returned by the server. Messages
// are newest first on the wire.
type MessagePage struct {
	Total    int       `json:"total"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// ReadReceipt records the latest read acknowledgement seen for a user.
type ReadReceipt struct {
	ConversationID int64     `json:"-"`
	UserID         int64     `json:"user_id"`
	UserName       string    `json:"user_name"`
	MessageID      int64     `json:"message_id,omitempty"`
	At             Timestamp `json:"timestamp"`
}

// TypingUser is a participant currently composing a message.
type TypingUser struct {
	UserID int64
	Name   string
}

// naiveLayout matches the timezone-less ISO timestamps the server emits.
// They are interpreted as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Timestamp is a time.Time that decodes both RFC 3339 and the server's
// timezone-less ISO 8601 format. It encodes as RFC 3339.
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}

	t.Time = parsed

	return nil
}

// ParseTimestamp parses an RFC 3339 or timezone-less ISO 8601 string.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}

	t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}

	return t, nil
}
