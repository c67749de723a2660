// Package mcpserver registers MCP tools that expose chat operations.
// It adapts the chat REST API to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/export"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Backend is the subset of chat.API the tools need.
type Backend interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, limit, offset int) (*chat.MessagePage, error)
	SendMessage(ctx context.Context, conversationID int64, body string) (*chat.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID int64, body string) (*chat.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID int64) error
	MarkRead(ctx context.Context, conversationID, lastMessageID int64) error
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, b Backend) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List the user's conversations, most recently active first, with unread counts and a preview of the last message.",
	}, listConversationsHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Read one page of a conversation's history in chronological order. Offset counts back from the newest message; use next_offset to page further back.",
	}, readMessagesHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a message to a conversation. The message is stored by the server before this returns.",
	}, sendMessageHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_edit_message",
		Description: "Replace the content of one of the user's own messages. The server only allows edits shortly after sending.",
	}, editMessageHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_delete_message",
		Description: "Delete one of the user's own messages.",
	}, deleteMessageHandler(b))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mark_read",
		Description: "Mark a conversation as read, optionally only up to a given message.",
	}, markReadHandler(b))
}

// --- Input types ---

// ListConversationsInput has no parameters.
type ListConversationsInput struct{}

// ReadMessagesInput holds parameters for chat_read_messages.
type ReadMessagesInput struct {
	ConversationID int64 `json:"conversation_id" jsonschema:"conversation to read"`
	Limit          int   `json:"limit,omitempty" jsonschema:"page size, defaults to 50, at most 100"`
	Offset         int   `json:"offset,omitempty" jsonschema:"number of newest messages to skip"`
}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	ConversationID int64  `json:"conversation_id" jsonschema:"conversation to post to"`
	Content        string `json:"content" jsonschema:"message text"`
}

// EditMessageInput holds parameters for chat_edit_message.
type EditMessageInput struct {
	ConversationID int64  `json:"conversation_id" jsonschema:"conversation the message belongs to"`
	MessageID      int64  `json:"message_id" jsonschema:"message to edit"`
	Content        string `json:"content" jsonschema:"replacement text"`
}

// DeleteMessageInput holds parameters for chat_delete_message.
type DeleteMessageInput struct {
	ConversationID int64 `json:"conversation_id" jsonschema:"conversation the message belongs to"`
	MessageID      int64 `json:"message_id" jsonschema:"message to delete"`
}

// MarkReadInput holds parameters for chat_mark_read.
type MarkReadInput struct {
	ConversationID int64 `json:"conversation_id" jsonschema:"conversation to mark read"`
	LastMessageID  int64 `json:"last_message_id,omitempty" jsonschema:"newest message read, 0 for everything"`
}

// --- Output types ---
// Timestamps are flattened to RFC 3339 strings so the inferred output
// schemas match what is marshalled.

// ConversationView is one conversation as shown to agents.
type ConversationView struct {
	ID               int64  `json:"id"`
	Kind             string `json:"kind"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participant_count"`
	UnreadCount      int    `json:"unread_count"`
	LastMessage      string `json:"last_message,omitempty"`
	LastMessageBy    string `json:"last_message_by,omitempty"`
	UpdatedAt        string `json:"updated_at,omitempty"`
}

// ConversationsResult is returned by chat_list_conversations.
type ConversationsResult struct {
	Total         int                `json:"total"`
	Conversations []ConversationView `json:"conversations"`
}

// MessagesResult is returned by chat_read_messages.
type MessagesResult struct {
	ConversationID int64           `json:"conversation_id"`
	Total          int             `json:"total"`
	HasMore        bool            `json:"has_more"`
	NextOffset     int             `json:"next_offset"`
	Messages       []export.Record `json:"messages"`
}

// MessageResult wraps a single message.
type MessageResult struct {
	ConversationID int64         `json:"conversation_id"`
	Message        export.Record `json:"message"`
}

// DeleteResult is returned by chat_delete_message.
type DeleteResult struct {
	MessageID int64 `json:"message_id"`
	Deleted   bool  `json:"deleted"`
}

// MarkReadResult is returned by chat_mark_read.
type MarkReadResult struct {
	ConversationID int64 `json:"conversation_id"`
	Read           bool  `json:"read"`
}

func conversationView(c chat.Conversation) ConversationView {
	v := ConversationView{
		ID:               c.ID,
		Kind:             string(c.Kind),
		Name:             c.DisplayName,
		ParticipantCount: c.ParticipantCount,
		UnreadCount:      c.UnreadCount,
	}

	if v.Name == "" {
		v.Name = c.Name
	}

	if !c.UpdatedAt.IsZero() {
		v.UpdatedAt = c.UpdatedAt.UTC().Format(time.RFC3339)
	}

	if lm := c.LastMessage; lm != nil {
		v.LastMessage = lm.Body
		v.LastMessageBy = lm.SenderName
	}

	return v
}

func messageResult(conversationID int64, m *chat.Message) *MessageResult {
	return &MessageResult{
		ConversationID: conversationID,
		Message:        export.Records([]chat.Message{*m})[0],
	}
}

// --- Handlers ---

func listConversationsHandler(b Backend) mcp.ToolHandlerFor[ListConversationsInput, *ConversationsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListConversationsInput) (*mcp.CallToolResult, *ConversationsResult, error) {
		list, err := b.ListConversations(ctx)
		if err != nil {
			return nil, nil, err
		}

		views := make([]ConversationView, 0, len(list))
		for _, c := range list {
			views = append(views, conversationView(c))
		}

		result := &ConversationsResult{Total: len(views), Conversations: views}

		return textResult(result), result, nil
	}
}

func readMessagesHandler(b Backend) mcp.ToolHandlerFor[ReadMessagesInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReadMessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		if input.ConversationID <= 0 {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		page, err := b.ListMessages(ctx, input.ConversationID, input.Limit, input.Offset)
		if err != nil {
			return nil, nil, err
		}

		// The server pages newest first; readers want chronological order.
		msgs := slices.Clone(page.Messages)
		slices.Reverse(msgs)

		result := &MessagesResult{
			ConversationID: input.ConversationID,
			Total:          page.Total,
			HasMore:        page.HasMore,
			NextOffset:     max(input.Offset, 0) + len(msgs),
			Messages:       export.Records(msgs),
		}

		return textResult(result), result, nil
	}
}

func sendMessageHandler(b Backend) mcp.ToolHandlerFor[SendMessageInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *MessageResult, error) {
		body := chat.NormalizeBody(input.Content)
		if body == "" {
			return nil, nil, chat.ErrEmptyMessage
		}

		msg, err := b.SendMessage(ctx, input.ConversationID, body)
		if err != nil {
			return nil, nil, err
		}

		result := messageResult(input.ConversationID, msg)

		return textResult(result), result, nil
	}
}

func editMessageHandler(b Backend) mcp.ToolHandlerFor[EditMessageInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EditMessageInput) (*mcp.CallToolResult, *MessageResult, error) {
		body := chat.NormalizeBody(input.Content)
		if body == "" {
			return nil, nil, chat.ErrEmptyMessage
		}

		msg, err := b.EditMessage(ctx, input.ConversationID, input.MessageID, body)
		if err != nil {
			return nil, nil, err
		}

		result := messageResult(input.ConversationID, msg)

		return textResult(result), result, nil
	}
}

func deleteMessageHandler(b Backend) mcp.ToolHandlerFor[DeleteMessageInput, *DeleteResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteMessageInput) (*mcp.CallToolResult, *DeleteResult, error) {
		if err := b.DeleteMessage(ctx, input.ConversationID, input.MessageID); err != nil {
			return nil, nil, err
		}

		result := &DeleteResult{MessageID: input.MessageID, Deleted: true}

		return textResult(result), result, nil
	}
}

func markReadHandler(b Backend) mcp.ToolHandlerFor[MarkReadInput, *MarkReadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MarkReadInput) (*mcp.CallToolResult, *MarkReadResult, error) {
		if err := b.MarkRead(ctx, input.ConversationID, input.LastMessageID); err != nil {
			return nil, nil, err
		}

		result := &MarkReadResult{ConversationID: input.ConversationID, Read: true}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
