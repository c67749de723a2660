package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Channel is the path an outbound intent takes.
type Channel string

const (
	ChannelREST       Channel = "rest"
	ChannelConnection Channel = "connection"
)

// Intent is a user action the dispatcher knows how to deliver.
type Intent string

const (
	IntentSend     Intent = "send"
	IntentEdit     Intent = "edit"
	IntentDelete   Intent = "delete"
	IntentMarkRead Intent = "mark_read"
	IntentTyping   Intent = "typing"
)

// Route says where an intent goes and whether it survives a dropped
// connection.
type Route struct {
	Channel Channel
	Durable bool
}

// policy is fixed. Authored content always goes through REST, never
// through the connection alone.
var policy = map[Intent]Route{
	IntentSend:     {Channel: ChannelREST, Durable: true},
	IntentEdit:     {Channel: ChannelREST, Durable: true},
	IntentDelete:   {Channel: ChannelREST, Durable: true},
	IntentMarkRead: {Channel: ChannelREST, Durable: true},
	IntentTyping:   {Channel: ChannelConnection, Durable: false},
}

// RouteFor returns the delivery route for intent.
func RouteFor(intent Intent) (Route, bool) {
	r, ok := policy[intent]
	return r, ok
}

// NormalizeBody trims surrounding whitespace and applies Unicode NFC so
// visually identical messages compare equal.
func NormalizeBody(body string) string {
	return norm.NFC.String(strings.TrimSpace(body))
}

// Dispatcher turns user intents into REST calls or connection sends and
// applies confirmed results to the store.
type Dispatcher struct {
	api     API
	store   *Store
	current func() *Handle
	logger  *slog.Logger

	// typing is flushed after a successful send. Optional.
	typing *TypingSignal
}

// NewDispatcher creates a Dispatcher. current returns the live
// connection handle, or nil.
func NewDispatcher(api API, store *Store, current func() *Handle, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		api:     api,
		store:   store,
		current: current,
		logger:  logger,
	}
}

// Send posts body to conversationID. The typing session is stopped
// first, whatever the outcome. On success the confirmed message is
// appended (a later push echo is de-duplicated by id) and the
// conversation list is refreshed. On failure nothing is appended and the
// error is recorded for the conversation.
func (d *Dispatcher) Send(ctx context.Context, conversationID int64, body string) (*Message, error) {
	body = NormalizeBody(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	if d.typing != nil {
		d.typing.Flush()
	}

	msg, err := d.api.SendMessage(ctx, conversationID, body)
	if err != nil {
		d.store.RecordError(conversationID, err)
		return nil, err
	}

	d.store.AppendSent(*msg)

	d.refreshConversations(ctx, conversationID)

	return msg, nil
}

// refreshConversations reloads the list so ordering reflects the server.
// A failure here only costs freshness, so it is logged and dropped.
func (d *Dispatcher) refreshConversations(ctx context.Context, conversationID int64) {
	list, err := d.api.ListConversations(ctx)
	if err != nil {
		d.logger.Warn("refreshing conversations after send",
			slog.Int64("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)

		return
	}

	d.store.SetConversations(list)
}

// Edit replaces the body of messageID.
func (d *Dispatcher) Edit(ctx context.Context, conversationID, messageID int64, body string) (*Message, error) {
	body = NormalizeBody(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	msg, err := d.api.EditMessage(ctx, conversationID, messageID, body)
	if err != nil {
		d.store.RecordError(conversationID, err)
		return nil, err
	}

	if !d.store.ApplyEdited(*msg) {
		d.logger.Debug("edited message not held locally",
			slog.Int64("conversation_id", conversationID),
			slog.Int64("message_id", messageID),
		)
	}

	return msg, nil
}

// Delete removes messageID.
func (d *Dispatcher) Delete(ctx context.Context, conversationID, messageID int64) error {
	if err := d.api.DeleteMessage(ctx, conversationID, messageID); err != nil {
		d.store.RecordError(conversationID, err)
		return err
	}

	d.store.ApplyDelete(messageID)

	return nil
}

// MarkRead records the read position through REST, zeroes the local
// unread counter and, when connected, lets peers know through an
// ephemeral read envelope.
func (d *Dispatcher) MarkRead(ctx context.Context, conversationID, lastMessageID int64) error {
	if err := d.api.MarkRead(ctx, conversationID, lastMessageID); err != nil {
		d.store.RecordError(conversationID, err)
		return fmt.Errorf("marking read: %w", err)
	}

	d.store.MarkReadLocally(conversationID)

	if h := d.handleFor(conversationID); h != nil {
		h.Send(ReadEnvelope(lastMessageID))
	}

	return nil
}

// Typing sends a best-effort typing signal. It reports false when the
// connection is not open; the signal is dropped in that case.
func (d *Dispatcher) Typing(isTyping bool) bool {
	h := d.handleFor(0)
	if h == nil {
		return false
	}

	return h.Send(TypingEnvelope(isTyping))
}

// handleFor returns the live handle, restricted to conversationID when
// it is non-zero.
func (d *Dispatcher) handleFor(conversationID int64) *Handle {
	if d.current == nil {
		return nil
	}

	h := d.current()
	if h == nil {
		return nil
	}

	if conversationID != 0 && h.ConversationID() != conversationID {
		return nil
	}

	return h
}
