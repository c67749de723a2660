package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// SessionConfig wires a Session.
type SessionConfig struct {
	// WSURL is the ws:// or wss:// origin of the chat server.
	WSURL                string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	TypingIdle           time.Duration
	TypingTTL            time.Duration
	PageSize             int
	HTTPClient           *http.Client
}

// Session binds the connection manager, router, store, dispatcher and
// typing signal for one user viewing one conversation at a time. The
// token is passed in explicitly and never looked up elsewhere.
type Session struct {
	ctx    context.Context
	api    API
	token  string
	logger *slog.Logger

	router     *Router
	manager    *Manager
	store      *Store
	dispatcher *Dispatcher
	typing     *TypingSignal

	unsubscribe func()

	// selectMu serialises conversation switches.
	selectMu sync.Mutex
}

// NewSession creates a Session. ctx bounds the lifetime of every
// connection the session opens.
func NewSession(ctx context.Context, api API, token string, cfg SessionConfig, logger *slog.Logger) *Session {
	router := NewRouter(logger)

	manager := NewManager(ManagerConfig{
		BaseURL:              cfg.WSURL,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HTTPClient:           cfg.HTTPClient,
	}, router, logger)

	return newSession(ctx, api, token, cfg, router, manager, logger)
}

func newSession(ctx context.Context, api API, token string, cfg SessionConfig, router *Router, manager *Manager, logger *slog.Logger) *Session {
	store := NewStore(api, StoreConfig{
		PageSize:  cfg.PageSize,
		TypingTTL: cfg.TypingTTL,
	}, logger)

	dispatcher := NewDispatcher(api, store, manager.Current, logger)
	typing := NewTypingSignal(cfg.TypingIdle, dispatcher.Typing)
	dispatcher.typing = typing

	return &Session{
		ctx:         ctx,
		api:         api,
		token:       token,
		logger:      logger,
		router:      router,
		manager:     manager,
		store:       store,
		dispatcher:  dispatcher,
		typing:      typing,
		unsubscribe: router.Subscribe(store.Handlers()),
	}
}

// Router returns the router so callers can add their own subscriptions.
func (s *Session) Router() *Router { return s.router }

// Store returns the session's state store.
func (s *Session) Store() *Store { return s.store }

// Handle returns the live connection handle, or nil.
func (s *Session) Handle() *Handle { return s.manager.Current() }

// RefreshConversations reloads the conversation list from the server.
func (s *Session) RefreshConversations(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return err
	}

	s.store.SetConversations(list)

	return nil
}

// Select makes conversationID the active conversation: it ends any
// typing session, switches the store, opens the connection (closing the
// previous one), loads the newest page and marks the conversation read.
// Only the switch itself is serialised, so a later Select does not wait
// for this one's history load; a page that arrives after the switch is
// discarded and the conversation is not marked read. A failed mark-read
// is logged only.
func (s *Session) Select(ctx context.Context, conversationID int64) error {
	if err := s.switchTo(conversationID); err != nil {
		return err
	}

	if err := s.store.LoadHistory(ctx, conversationID, 0); err != nil {
		return fmt.Errorf("loading conversation %d: %w", conversationID, err)
	}

	lastID, ok := s.store.lastMessageIDFor(conversationID)
	if !ok {
		s.logger.Debug("conversation switched during load",
			slog.Int64("conversation_id", conversationID),
		)

		return nil
	}

	if err := s.dispatcher.MarkRead(ctx, conversationID, lastID); err != nil {
		s.logger.Warn("marking conversation read",
			slog.Int64("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

func (s *Session) switchTo(conversationID int64) error {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.typing.Flush()
	s.store.SetActive(conversationID)

	if _, err := s.manager.Open(s.ctx, conversationID, s.token); err != nil {
		s.store.RecordError(conversationID, err)
		return fmt.Errorf("opening conversation %d: %w", conversationID, err)
	}

	return nil
}

func (s *Session) active() (int64, error) {
	id := s.store.Active()
	if id == 0 {
		return 0, apperrors.ErrNoActiveConversation
	}

	return id, nil
}

// LoadOlder fetches the next older page of the active conversation. It
// reports false when the server has nothing older.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	id, err := s.active()
	if err != nil {
		return false, err
	}

	if !s.store.HasMore() {
		return false, nil
	}

	if err := s.store.LoadHistory(ctx, id, s.store.NextOffset()); err != nil {
		return false, err
	}

	return true, nil
}

// Keystroke feeds the debounced typing signal.
func (s *Session) Keystroke() { s.typing.Keystroke() }

// Send posts body to the active conversation.
func (s *Session) Send(ctx context.Context, body string) (*Message, error) {
	id, err := s.active()
	if err != nil {
		return nil, err
	}

	return s.dispatcher.Send(ctx, id, body)
}

// Edit replaces the body of one of the user's messages.
func (s *Session) Edit(ctx context.Context, messageID int64, body string) (*Message, error) {
	id, err := s.active()
	if err != nil {
		return nil, err
	}

	return s.dispatcher.Edit(ctx, id, messageID, body)
}

// Delete removes one of the user's messages.
func (s *Session) Delete(ctx context.Context, messageID int64) error {
	id, err := s.active()
	if err != nil {
		return err
	}

	return s.dispatcher.Delete(ctx, id, messageID)
}

// MarkRead marks the active conversation read up to the newest held
// message.
func (s *Session) MarkRead(ctx context.Context) error {
	id, err := s.active()
	if err != nil {
		return err
	}

	return s.dispatcher.MarkRead(ctx, id, s.store.LastMessageID())
}

// CreateConversation creates a conversation and adds it to the list.
func (s *Session) CreateConversation(ctx context.Context, req CreateConversationRequest) (*Conversation, error) {
	c, err := s.api.CreateConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	s.store.UpsertConversation(*c)

	return c, nil
}

// UpdateGroupName renames a group conversation.
func (s *Session) UpdateGroupName(ctx context.Context, conversationID int64, name string) (*Conversation, error) {
	c, err := s.api.UpdateGroupName(ctx, conversationID, name)
	if err != nil {
		s.store.RecordError(conversationID, err)
		return nil, err
	}

	s.store.UpsertConversation(*c)

	return c, nil
}

// AddParticipant adds userID to a group conversation.
func (s *Session) AddParticipant(ctx context.Context, conversationID, userID int64) (*Conversation, error) {
	c, err := s.api.AddParticipant(ctx, conversationID, userID)
	if err != nil {
		s.store.RecordError(conversationID, err)
		return nil, err
	}

	s.store.UpsertConversation(*c)

	return c, nil
}

// RemoveParticipant removes userID from a group conversation. When the
// conversation is no longer visible afterwards (the user left), it is
// dropped from the list.
func (s *Session) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	if err := s.api.RemoveParticipant(ctx, conversationID, userID); err != nil {
		s.store.RecordError(conversationID, err)
		return err
	}

	c, err := s.api.GetConversation(ctx, conversationID)

	switch {
	case err == nil:
		s.store.UpsertConversation(*c)
	case errors.Is(err, apperrors.ErrConversationNotFound), errors.Is(err, apperrors.ErrUnauthorized):
		s.store.RemoveConversation(conversationID)
	default:
		s.logger.Warn("refreshing conversation after removing participant",
			slog.Int64("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Close cancels the typing timer, closes the connection and detaches the
// store from the router.
func (s *Session) Close() {
	s.typing.Close()

	if h := s.manager.Current(); h != nil {
		s.manager.Close(h, "bye")
		<-h.Done()
	}

	s.unsubscribe()
}
