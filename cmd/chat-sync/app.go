package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/credentials"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

// app carries what every command needs once configuration is loaded.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	state      *state.State
	httpClient *http.Client
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	statePath := cfg.StatePath
	if statePath == "" {
		statePath, err = config.DefaultStatePath()
		if err != nil {
			return nil, err
		}
	}

	st, err := state.LoadAt(statePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		state:      st,
		httpClient: chat.NewHTTPClient(cfg.HTTPTimeout),
	}, nil
}

func (a *app) Close() error {
	return a.state.Close()
}

// client returns a REST client authenticated with token.
func (a *app) client(token string) *chat.Client {
	return chat.NewClient(a.cfg.APIURL, token, a.httpClient)
}

func (a *app) sessionConfig() chat.SessionConfig {
	return chat.SessionConfig{
		WSURL:                a.cfg.WSURL,
		ReconnectDelay:       a.cfg.ReconnectDelay,
		MaxReconnectAttempts: a.cfg.MaxReconnectAttempts,
		TypingIdle:           a.cfg.TypingIdle,
		TypingTTL:            a.cfg.TypingTTL,
		PageSize:             a.cfg.HistoryPageSize,
		HTTPClient:           a.httpClient,
	}
}

// token picks the first usable token from CHAT_TOKEN, CHAT_TOKEN_FILE
// and the cached login, signing in with the configured credentials when
// none of them work.
func (a *app) token(ctx context.Context) (string, error) {
	if a.cfg.Token != "" {
		return a.cfg.Token, nil
	}

	if a.cfg.TokenFile != "" {
		return credentials.ReadTokenFile(a.cfg.TokenFile)
	}

	if cached := a.state.Token(a.cfg.APIURL); cached != "" {
		if err := chat.CheckToken(cached, time.Now()); err == nil {
			a.logger.Debug("using cached token")
			return cached, nil
		}

		a.logger.Debug("cached token expired")

		if err := a.state.ClearToken(a.cfg.APIURL); err != nil {
			a.logger.Warn("failed to clear token", slog.String("error", err.Error()))
		}
	}

	if !a.cfg.HasCredentials() {
		return "", fmt.Errorf("set CHAT_TOKEN, CHAT_TOKEN_FILE or CHAT_EMAIL/CHAT_PASSWORD, or run login: %w", chat.ErrMissingToken)
	}

	return a.login(ctx)
}

// login signs in with the configured credentials and caches the token.
func (a *app) login(ctx context.Context) (string, error) {
	if !a.cfg.HasCredentials() {
		return "", errors.New("CHAT_EMAIL and CHAT_PASSWORD are required to sign in")
	}

	a.logger.Info("signing in", slog.String("email", a.cfg.Email))

	token, err := a.client("").Login(ctx, a.cfg.Email, a.cfg.Password)
	if err != nil {
		return "", fmt.Errorf("signing in: %w", err)
	}

	if err := a.state.SetToken(a.cfg.APIURL, a.cfg.Email, token); err != nil {
		a.logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	return token, nil
}

// forgetRejected drops a cached token the server refused so the next
// run signs in again.
func (a *app) forgetRejected(err error) {
	if !errors.Is(err, chat.ErrUnauthorized) && !errors.Is(err, chat.ErrAuthRejected) {
		return
	}

	if a.cfg.Token != "" || a.cfg.TokenFile != "" {
		return
	}

	if cerr := a.state.ClearToken(a.cfg.APIURL); cerr != nil {
		a.logger.Warn("failed to clear token", slog.String("error", cerr.Error()))
	}
}

// rotatingAPI forwards to a client whose token can be swapped while
// requests are in flight.
type rotatingAPI struct {
	current atomic.Pointer[chat.Client]
}

func newRotatingAPI(c *chat.Client) *rotatingAPI {
	r := &rotatingAPI{}
	r.current.Store(c)

	return r
}

func (r *rotatingAPI) SetToken(token string) {
	r.current.Store(r.current.Load().WithToken(token))
}

func (r *rotatingAPI) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	return r.current.Load().ListConversations(ctx)
}

func (r *rotatingAPI) ListMessages(ctx context.Context, conversationID int64, limit, offset int) (*chat.MessagePage, error) {
	return r.current.Load().ListMessages(ctx, conversationID, limit, offset)
}

func (r *rotatingAPI) SendMessage(ctx context.Context, conversationID int64, body string) (*chat.Message, error) {
	return r.current.Load().SendMessage(ctx, conversationID, body)
}

func (r *rotatingAPI) EditMessage(ctx context.Context, conversationID, messageID int64, body string) (*chat.Message, error) {
	return r.current.Load().EditMessage(ctx, conversationID, messageID, body)
}

func (r *rotatingAPI) DeleteMessage(ctx context.Context, conversationID, messageID int64) error {
	return r.current.Load().DeleteMessage(ctx, conversationID, messageID)
}

func (r *rotatingAPI) MarkRead(ctx context.Context, conversationID, lastMessageID int64) error {
	return r.current.Load().MarkRead(ctx, conversationID, lastMessageID)
}
