package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/credentials"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newMCPCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve chat tools over MCP",
		Long: `Serve chat tools to MCP clients. Stdio is used by default; with
--listen (or MCP_LISTEN_ADDR) the tools are served over streamable HTTP
at /mcp, protected by MCP_API_KEY as a Bearer token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				if listen != "" {
					a.cfg.MCPListenAddr = listen
				}

				return runMCP(ctx, a)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "serve over HTTP on this address instead of stdio")

	return cmd
}

func runMCP(ctx context.Context, a *app) error {
	if a.cfg.MCPListenAddr != "" && len(a.cfg.MCPAPIKey) < config.MinAPIKeyLength {
		return fmt.Errorf("MCP_API_KEY of at least %d characters is required to serve over HTTP", config.MinAPIKeyLength)
	}

	token, err := a.token(ctx)
	if err != nil {
		return err
	}

	logger := a.logger.With(slog.String("service", "mcp"))
	api := newRotatingAPI(a.client(token))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, api)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if path := a.cfg.TokenFile; path != "" {
		watcher, err := credentials.NewFileWatcher(path, logger, api.SetToken)
		if err != nil {
			return err
		}

		g.Go(func() error { return watcher.Watch(gctx) })
	}

	// Whichever transport stops first ends the token watcher too.
	g.Go(func() error {
		defer cancel()

		if a.cfg.MCPListenAddr == "" {
			logger.Info("serving MCP over stdio")

			if err := mcpServer.Run(gctx, &mcp.StdioTransport{}); err != nil && gctx.Err() == nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("MCP server error: %w", err)
			}

			return nil
		}

		mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)

		mux := server.NewMux(server.MuxConfig{
			MCPHandler: mcpHandler,
			APIKey:     a.cfg.MCPAPIKey,
			Logger:     logger,
		})

		return server.ListenAndServe(gctx, a.cfg.MCPListenAddr, mux, logger)
	})

	return g.Wait()
}
