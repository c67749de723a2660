package chat

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultTypingTTL expires typing entries whose stop signal was lost.
const DefaultTypingTTL = 30 * time.Second

// HistoryFetcher loads one page of history. API satisfies it.
type HistoryFetcher interface {
	ListMessages(ctx context.Context, conversationID int64, limit, offset int) (*MessagePage, error)
}

// StoreConfig holds store tuning.
type StoreConfig struct {
	PageSize int
	// TypingTTL bounds how long a typing entry survives without a stop
	// signal. Zero disables expiry.
	TypingTTL time.Duration
	Now       func() time.Time
}

type typingEntry struct {
	name    string
	expires time.Time
}

// Store holds the mirrored state: the active conversation's ordered
// message list, the conversation list with unread counters and
// previews, the typing set and read receipts. It is the single writer
// of that state and is safe for concurrent use.
type Store struct {
	api    HistoryFetcher
	cfg    StoreConfig
	logger *slog.Logger

	mu            sync.Mutex
	active        int64
	messages      []Message
	ids           map[int64]struct{}
	hasMore       bool
	total         int
	conversations []Conversation
	typing        map[int64]typingEntry
	receipts      map[int64]ReadReceipt
	errs          map[int64]string

	loadMu    sync.Mutex
	loadLocks map[int64]*sync.Mutex
}

// NewStore creates an empty store that fetches history through api.
func NewStore(api HistoryFetcher, cfg StoreConfig, logger *slog.Logger) *Store {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	cfg.PageSize = min(cfg.PageSize, MaxPageSize)

	if cfg.TypingTTL < 0 {
		cfg.TypingTTL = 0
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		api:       api,
		cfg:       cfg,
		logger:    logger,
		ids:       make(map[int64]struct{}),
		typing:    make(map[int64]typingEntry),
		receipts:  make(map[int64]ReadReceipt),
		errs:      make(map[int64]string),
		loadLocks: make(map[int64]*sync.Mutex),
	}
}

// Handlers returns router callbacks that feed pushed events into the
// store. Events for conversations other than the active one only touch
// the conversation list.
func (s *Store) Handlers() Handlers {
	return Handlers{
		Message: func(m Message) { s.AppendIncoming(m) },
		Typing: func(ev TypingEvent) {
			if ev.ConversationID != s.Active() {
				return
			}

			s.SetTyping(ev.UserID, ev.UserName, ev.IsTyping)
		},
		Read: s.RecordRead,
		Error: func(ev ErrorEvent) {
			if ev.Message != "" {
				s.setError(ev.ConversationID, ev.Message)
			}
		},
		State: func(sc StateChange) {
			if sc.To == StateOpen {
				s.clearError(sc.ConversationID)
			}
		},
	}
}

// SetActive switches the active conversation, clearing the message list,
// typing set, read receipts and error of the new conversation.
func (s *Store) SetActive(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = conversationID
	s.messages = nil
	s.ids = make(map[int64]struct{})
	s.hasMore = false
	s.total = 0
	clear(s.typing)
	clear(s.receipts)
	delete(s.errs, conversationID)
}

// Active returns the active conversation id, or 0.
func (s *Store) Active() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

func (s *Store) loadLock(conversationID int64) *sync.Mutex {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	l, ok := s.loadLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.loadLocks[conversationID] = l
	}

	return l
}

// LoadHistory fetches one page starting at offset (newest first on the
// wire), reverses it to ascending order and replaces the list (offset 0)
// or prepends to it. Loads for the same conversation run one at a time.
// A result that arrives after the active conversation changed is
// discarded. On failure the error is recorded for the conversation and
// the list is left untouched.
func (s *Store) LoadHistory(ctx context.Context, conversationID int64, offset int) error {
	l := s.loadLock(conversationID)
	l.Lock()
	defer l.Unlock()

	page, err := s.api.ListMessages(ctx, conversationID, s.cfg.PageSize, offset)
	if err != nil {
		s.setError(conversationID, err.Error())
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != conversationID {
		s.logger.Debug("discarding stale history page",
			slog.Int64("conversation_id", conversationID),
			slog.Int64("active", s.active),
		)

		return nil
	}

	asc := make([]Message, 0, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if m.ConversationID == 0 {
			m.ConversationID = conversationID
		}

		asc = append(asc, m)
	}

	if offset == 0 {
		s.replaceLocked(asc)
	} else {
		s.prependLocked(asc)
	}

	s.hasMore = page.HasMore
	s.total = page.Total
	delete(s.errs, conversationID)

	return nil
}

// replaceLocked installs a fresh first page. Messages pushed live before
// the page arrived and newer than everything in it are kept.
func (s *Store) replaceLocked(page []Message) {
	var newest time.Time
	if len(page) > 0 {
		newest = page[len(page)-1].CreatedAt.Time
	}

	inPage := make(map[int64]struct{}, len(page))
	for _, m := range page {
		inPage[m.ID] = struct{}{}
	}

	merged := slices.Clone(page)
	for _, m := range s.messages {
		if _, dup := inPage[m.ID]; dup {
			continue
		}

		if !m.CreatedAt.Before(newest) {
			merged = append(merged, m)
		}
	}

	s.setMessagesLocked(merged)
}

func (s *Store) prependLocked(page []Message) {
	older := make([]Message, 0, len(page))
	for _, m := range page {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}

		older = append(older, m)
	}

	s.setMessagesLocked(append(older, s.messages...))
}

func (s *Store) setMessagesLocked(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt.Time)
	})

	s.messages = msgs
	s.ids = make(map[int64]struct{}, len(msgs))

	for _, m := range msgs {
		s.ids[m.ID] = struct{}{}
	}
}

// AppendIncoming adds a pushed or REST-confirmed message. It is
// idempotent by id and reports whether the message list changed. A
// message older than the current tail is inserted at its ordered
// position. Messages for other conversations bump that conversation's
// unread counter and preview instead.
func (s *Store) AppendIncoming(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(msg, true)
}

// AppendSent adds the user's own confirmed message. It behaves like
// AppendIncoming except that it never counts as unread, even when the
// user has already moved to another conversation.
func (s *Store) AppendSent(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(msg, false)
}

func (s *Store) appendLocked(msg Message, countUnread bool) bool {
	if msg.ConversationID == 0 {
		msg.ConversationID = s.active
	}

	if msg.ConversationID != s.active {
		s.bumpConversationLocked(msg, countUnread)
		return false
	}

	if _, dup := s.ids[msg.ID]; dup {
		return false
	}

	i := len(s.messages)
	for i > 0 && s.messages[i-1].CreatedAt.After(msg.CreatedAt.Time) {
		i--
	}

	s.messages = slices.Insert(s.messages, i, msg)
	s.ids[msg.ID] = struct{}{}
	s.total++

	s.bumpConversationLocked(msg, false)

	return true
}

// bumpConversationLocked updates the preview and moves the conversation
// to the top of the list.
func (s *Store) bumpConversationLocked(msg Message, unread bool) {
	i := slices.IndexFunc(s.conversations, func(c Conversation) bool { return c.ID == msg.ConversationID })
	if i < 0 {
		return
	}

	c := s.conversations[i]

	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessage.CreatedAt.Time) {
		c.LastMessage = msg.preview()
		c.UpdatedAt = msg.CreatedAt
	}

	if unread {
		c.UnreadCount++
	}

	s.conversations = slices.Delete(s.conversations, i, i+1)
	s.conversations = slices.Insert(s.conversations, 0, c)
}

// ApplyEdit replaces the body of messageID in place. No-op when absent.
func (s *Store) ApplyEdit(messageID int64, body string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(messageID)
	if i < 0 {
		return false
	}

	m := &s.messages[i]
	m.Body = body
	m.Edited = true
	m.EditedAt = At(s.cfg.Now().UTC())

	s.refreshPreviewLocked(*m)

	return true
}

// ApplyEdited replaces a message with the server's edited copy. No-op
// when absent.
func (s *Store) ApplyEdited(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(msg.ID)
	if i < 0 {
		return false
	}

	if msg.ConversationID == 0 {
		msg.ConversationID = s.messages[i].ConversationID
	}

	// Keep the original position; created_at never changes on edit.
	msg.CreatedAt = s.messages[i].CreatedAt
	s.messages[i] = msg

	s.refreshPreviewLocked(msg)

	return true
}

// ApplyDelete removes messageID. No-op when absent.
func (s *Store) ApplyDelete(messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(messageID)
	if i < 0 {
		return false
	}

	s.messages = slices.Delete(s.messages, i, i+1)
	delete(s.ids, messageID)
	s.total = max(s.total-1, 0)

	s.dropPreviewLocked(messageID)

	return true
}

// dropPreviewLocked falls back to the newest remaining message when the
// active conversation's preview pointed at messageID.
func (s *Store) dropPreviewLocked(messageID int64) {
	i := slices.IndexFunc(s.conversations, func(c Conversation) bool { return c.ID == s.active })
	if i < 0 {
		return
	}

	c := &s.conversations[i]
	if c.LastMessage == nil || c.LastMessage.ID != messageID {
		return
	}

	c.LastMessage = nil

	if n := len(s.messages); n > 0 {
		c.LastMessage = s.messages[n-1].preview()
	}
}

func (s *Store) refreshPreviewLocked(msg Message) {
	for i := range s.conversations {
		c := &s.conversations[i]
		if c.ID == msg.ConversationID && c.LastMessage != nil && c.LastMessage.ID == msg.ID {
			c.LastMessage = msg.preview()
		}
	}
}

func (s *Store) indexLocked(messageID int64) int {
	if _, ok := s.ids[messageID]; !ok {
		return -1
	}

	return slices.IndexFunc(s.messages, func(m Message) bool { return m.ID == messageID })
}

// SetTyping adds or removes a user from the typing set of the active
// conversation. Removing an absent user is a no-op.
func (s *Store) SetTyping(userID int64, name string, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isTyping {
		delete(s.typing, userID)
		return
	}

	var expires time.Time
	if s.cfg.TypingTTL > 0 {
		expires = s.cfg.Now().Add(s.cfg.TypingTTL)
	}

	s.typing[userID] = typingEntry{name: name, expires: expires}
}

// TypingUsers returns the users currently typing, sorted by name. Entries
// older than the typing TTL are dropped.
func (s *Store) TypingUsers() []TypingUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()

	out := make([]TypingUser, 0, len(s.typing))
	for id, e := range s.typing {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(s.typing, id)
			continue
		}

		out = append(out, TypingUser{UserID: id, Name: e.name})
	}

	slices.SortFunc(out, func(a, b TypingUser) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}

		return cmp.Compare(a.UserID, b.UserID)
	})

	return out
}

// RecordRead stores the latest read receipt per user for the active
// conversation.
func (s *Store) RecordRead(rr ReadReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rr.ConversationID != 0 && rr.ConversationID != s.active {
		return
	}

	if rr.At.IsZero() {
		rr.At = At(s.cfg.Now().UTC())
	}

	if prev, ok := s.receipts[rr.UserID]; ok && rr.At.Before(prev.At.Time) {
		return
	}

	s.receipts[rr.UserID] = rr
}

// ReadReceipts returns the latest receipt per user, ordered by user id.
func (s *Store) ReadReceipts() []ReadReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ReadReceipt, 0, len(s.receipts))
	for _, rr := range s.receipts {
		out = append(out, rr)
	}

	slices.SortFunc(out, func(a, b ReadReceipt) int { return cmp.Compare(a.UserID, b.UserID) })

	return out
}

// MarkReadLocally zeroes the unread counter of conversationID.
func (s *Store) MarkReadLocally(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			s.conversations[i].UnreadCount = 0
		}
	}
}

// SetConversations replaces the conversation list.
func (s *Store) SetConversations(list []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = slices.Clone(list)
}

// UpsertConversation replaces the conversation with the same id, or
// adds c at the top of the list.
func (s *Store) UpsertConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := slices.IndexFunc(s.conversations, func(x Conversation) bool { return x.ID == c.ID }); i >= 0 {
		s.conversations[i] = c
		return
	}

	s.conversations = slices.Insert(s.conversations, 0, c)
}

// RemoveConversation drops a conversation from the list.
func (s *Store) RemoveConversation(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = slices.DeleteFunc(s.conversations, func(c Conversation) bool { return c.ID == conversationID })
}

// Conversations returns a copy of the conversation list.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := slices.Clone(s.conversations)
	for i := range out {
		if out[i].LastMessage != nil {
			lm := *out[i].LastMessage
			out[i].LastMessage = &lm
		}
	}

	return out
}

// Conversation returns the listed conversation with the given id.
func (s *Store) Conversation(conversationID int64) (Conversation, bool) {
	for _, c := range s.Conversations() {
		if c.ID == conversationID {
			return c, true
		}
	}

	return Conversation{}, false
}

// Messages returns a copy of the active conversation's messages in
// ascending creation order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.messages)
}

// LastMessageID returns the id of the newest held message, or 0.
func (s *Store) LastMessageID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return 0
	}

	return s.messages[len(s.messages)-1].ID
}

// lastMessageIDFor is LastMessageID for conversationID, reporting false
// when that conversation is no longer active.
func (s *Store) lastMessageIDFor(conversationID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != conversationID {
		return 0, false
	}

	if len(s.messages) == 0 {
		return 0, true
	}

	return s.messages[len(s.messages)-1].ID, true
}

// HasMore reports whether older history is available on the server.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hasMore
}

// Total returns the server-side message count last reported, adjusted
// for local appends and deletes.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.total
}

// NextOffset is the offset of the next older page. The server counts
// offsets from the newest message, so every held message counts.
func (s *Store) NextOffset() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.messages)
}

// Err returns the error recorded for conversationID, or empty string.
func (s *Store) Err(conversationID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.errs[conversationID]
}

// RecordError stores a conversation-scoped error for display.
func (s *Store) RecordError(conversationID int64, err error) {
	if err == nil {
		return
	}

	s.setError(conversationID, err.Error())
}

func (s *Store) setError(conversationID int64, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs[conversationID] = msg
}

func (s *Store) clearError(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.errs, conversationID)
}
