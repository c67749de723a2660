package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/export"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Export a conversation's full history",
		Long: `Export a conversation's full history in chronological order.

Supported formats: json, jsonl, md, yaml. Writes to stdout unless
--output is given; an existing directory gets conversation-<id>.<ext>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}

			exporter, err := export.NewExporter(format)
			if err != nil {
				return err
			}

			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				token, err := a.token(ctx)
				if err != nil {
					return err
				}

				api := a.client(token)

				conv, err := api.GetConversation(ctx, conversationID)
				if err != nil {
					return fmt.Errorf("getting conversation: %w", err)
				}

				msgs, err := fetchHistory(ctx, api, conversationID, a.cfg.HistoryPageSize)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()

				if info, err := os.Stat(output); err == nil && info.IsDir() {
					output = filepath.Join(output, fmt.Sprintf("conversation-%d.%s", conversationID, exporter.Extension()))
				}

				if output != "" {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("creating output file: %w", err)
					}
					defer f.Close()

					w = f
				}

				if err := writeTranscript(w, exporter, export.NewTranscript(*conv, msgs, time.Now())); err != nil {
					return err
				}

				if output != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "exported %d messages to %s\n", len(msgs), output)
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "md", "output format (json, jsonl, md, yaml)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	return cmd
}

func writeTranscript(w io.Writer, exporter export.Exporter, t *export.Transcript) error {
	if err := exporter.Export(t, w); err != nil {
		return fmt.Errorf("exporting: %w", err)
	}

	return nil
}

// fetchHistory pages back from the newest message until the server has
// nothing more and returns the history oldest first. Messages that
// shift across a page boundary while paging are kept once.
func fetchHistory(ctx context.Context, api chat.HistoryFetcher, conversationID int64, pageSize int) ([]chat.Message, error) {
	var (
		all    []chat.Message
		seen   = make(map[int64]bool)
		offset int
	)

	for {
		page, err := api.ListMessages(ctx, conversationID, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("loading messages at offset %d: %w", offset, err)
		}

		for _, m := range page.Messages {
			if seen[m.ID] {
				continue
			}

			seen[m.ID] = true
			all = append(all, m)
		}

		offset += len(page.Messages)

		if !page.HasMore || len(page.Messages) == 0 {
			break
		}
	}

	slices.Reverse(all)

	return all, nil
}
