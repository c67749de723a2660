package main

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/chat-sync/internal/render"
	"github.com/spf13/cobra"
)

func newConversationsCmd() *cobra.Command {
	var unreadOnly bool

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recently active first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				token, err := a.token(ctx)
				if err != nil {
					return err
				}

				list, err := a.client(token).ListConversations(ctx)
				if err != nil {
					return fmt.Errorf("listing conversations: %w", err)
				}

				p := render.NewPrinter(cmd.OutOrStdout(), 0)

				for _, c := range list {
					if unreadOnly && c.UnreadCount == 0 {
						continue
					}

					p.Println(p.Conversation(c))
				}

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "only show conversations with unread messages")

	return cmd
}
