package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/render"
	"github.com/spf13/cobra"
)

// editLookback is how many of the newest messages edit searches for the
// previous body when showing a diff.
const editLookback = 100

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <message...>",
		Short: "Post a message to a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}

			body := chat.NormalizeBody(strings.Join(args[1:], " "))
			if body == "" {
				return chat.ErrEmptyMessage
			}

			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				token, err := a.token(ctx)
				if err != nil {
					return err
				}

				msg, err := a.client(token).SendMessage(ctx, conversationID, body)
				if err != nil {
					return fmt.Errorf("sending message: %w", err)
				}

				p := render.NewPrinter(cmd.OutOrStdout(), selfID(token))
				p.Println(p.Message(*msg))

				return nil
			})
		},
	}
}

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <conversation-id> <message-id> <message...>",
		Short: "Replace the content of one of your messages",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}

			messageID, err := parseID(args[1], "message id")
			if err != nil {
				return err
			}

			body := chat.NormalizeBody(strings.Join(args[2:], " "))
			if body == "" {
				return chat.ErrEmptyMessage
			}

			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				token, err := a.token(ctx)
				if err != nil {
					return err
				}

				api := a.client(token)
				before, found := findBody(ctx, api, conversationID, messageID)

				msg, err := api.EditMessage(ctx, conversationID, messageID, body)
				if err != nil {
					return fmt.Errorf("editing message: %w", err)
				}

				p := render.NewPrinter(cmd.OutOrStdout(), selfID(token))

				if found {
					p.Println(p.EditDiff(before, msg.Body))
				} else {
					p.Println(p.Message(*msg))
				}

				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id> <message-id>",
		Short: "Delete one of your messages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}

			messageID, err := parseID(args[1], "message id")
			if err != nil {
				return err
			}

			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				token, err := a.token(ctx)
				if err != nil {
					return err
				}

				if err := a.client(token).DeleteMessage(ctx, conversationID, messageID); err != nil {
					return fmt.Errorf("deleting message: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "deleted message %d\n", messageID)

				return nil
			})
		},
	}
}

// findBody looks for messageID among the newest messages. Lookup
// failures only cost the diff, so they are not reported.
func findBody(ctx context.Context, api chat.HistoryFetcher, conversationID, messageID int64) (string, bool) {
	page, err := api.ListMessages(ctx, conversationID, editLookback, 0)
	if err != nil {
		return "", false
	}

	for _, m := range page.Messages {
		if m.ID == messageID {
			return m.Body, true
		}
	}

	return "", false
}

// selfID returns the user id carried in a JWT subject, or 0.
func selfID(token string) int64 {
	id, err := strconv.ParseInt(chat.TokenSubject(token), 10, 64)
	if err != nil {
		return 0
	}

	return id
}
