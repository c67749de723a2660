package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chat-sync",
		Short: "Follow and post to chat conversations from the terminal",
		Long: `chat-sync mirrors chat conversations over the server's REST API and
real-time WebSocket channel.

Configuration comes from the environment (or a .env file):
  CHAT_API_URL                 server base URL (required)
  CHAT_TOKEN / CHAT_TOKEN_FILE  API token, or
  CHAT_EMAIL / CHAT_PASSWORD    credentials for "chat-sync login"`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newLoginCmd(),
		newConversationsCmd(),
		newFollowCmd(),
		newSendCmd(),
		newEditCmd(),
		newDeleteCmd(),
		newExportCmd(),
		newMCPCmd(),
	)

	return root
}

// runWithApp loads configuration and state around fn.
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(cmd.Context(), a)
	a.forgetRejected(err)

	return err
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}

	return id, nil
}
