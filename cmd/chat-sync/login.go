package main

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with CHAT_EMAIL/CHAT_PASSWORD and cache the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				token, err := a.login(ctx)
				if err != nil {
					return err
				}

				who := chat.TokenSubject(token)
				if who == "" {
					who = a.cfg.Email
				}

				fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", who)

				return nil
			})
		},
	}
}
