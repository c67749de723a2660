// Package export writes conversation transcripts in several formats.
package export

import (
	"time"

	"github.com/alexjbarnes/chat-sync/chat"
)

// Transcript is the export view of one conversation's history.
type Transcript struct {
	ConversationID int64    `json:"conversation_id" yaml:"conversation_id"`
	Name           string   `json:"name" yaml:"name"`
	Kind           string   `json:"kind" yaml:"kind"`
	ExportedAt     string   `json:"exported_at" yaml:"exported_at"`
	Messages       []Record `json:"messages" yaml:"messages"`
}

// Record is one exported message.
type Record struct {
	ID          int64    `json:"id" yaml:"id"`
	Sender      string   `json:"sender" yaml:"sender"`
	SenderID    int64    `json:"sender_id,omitempty" yaml:"sender_id,omitempty"`
	Content     string   `json:"content" yaml:"content"`
	CreatedAt   string   `json:"created_at" yaml:"created_at"`
	Edited      bool     `json:"edited,omitempty" yaml:"edited,omitempty"`
	Attachments []string `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

// NewTranscript builds a transcript from a conversation and its messages
// in ascending order.
func NewTranscript(conv chat.Conversation, msgs []chat.Message, now time.Time) *Transcript {
	name := conv.DisplayName
	if name == "" {
		name = conv.Name
	}

	return &Transcript{
		ConversationID: conv.ID,
		Name:           name,
		Kind:           string(conv.Kind),
		ExportedAt:     now.UTC().Format(time.RFC3339),
		Messages:       Records(msgs),
	}
}

// Records converts messages to export records, keeping their order.
func Records(msgs []chat.Message) []Record {
	out := make([]Record, 0, len(msgs))

	for _, m := range msgs {
		r := Record{
			ID:        m.ID,
			Sender:    m.SenderName(),
			SenderID:  m.SenderID,
			Content:   m.Body,
			CreatedAt: formatTime(m.CreatedAt.Time),
			Edited:    m.Edited,
		}

		for _, a := range m.Attachments {
			r.Attachments = append(r.Attachments, a.Filename)
		}

		out = append(out, r)
	}

	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}
