package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "e2e-user-token"
	testAPIKey = "e2e-mcp-api-key-0123456789"

	selfUserID = 1
	peerUserID = 2
)

// frame is one envelope a client wrote to the fake server.
type frame struct {
	conversationID int64
	env            chat.Envelope
}

// harness is an in-process chat server speaking the REST API and the
// real-time channel, plus the MCP endpoint backed by a REST client.
type harness struct {
	URL    string
	WSURL  string
	Client *http.Client

	mu        sync.Mutex
	messages  map[int64][]chat.Message // ascending
	conns     map[int64][]*websocket.Conn
	reads     map[int64]int64
	nextID    int64
	createdAt time.Time

	wsAttempts atomic.Int32
	wsAccepted atomic.Int32
	frames     chan frame
}

// newHarness starts the fake server with conversation 7 holding three
// messages and an empty conversation 8.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		messages:  map[int64][]chat.Message{7: nil, 8: nil},
		conns:     make(map[int64][]*websocket.Conn),
		reads:     make(map[int64]int64),
		createdAt: time.Now().UTC().Add(-time.Hour).Truncate(time.Second),
		frames:    make(chan frame, 64),
	}

	for _, body := range []string{"morning", "standup in 5", "on my way"} {
		h.addMessage(7, peerUserID, body)
	}

	logger := slog.New(slog.DiscardHandler)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats", h.authed(h.handleListConversations))
	mux.HandleFunc("GET /api/chats/{id}", h.authed(h.handleGetConversation))
	mux.HandleFunc("GET /api/chats/{id}/messages", h.authed(h.handleListMessages))
	mux.HandleFunc("POST /api/chats/{id}/messages", h.authed(h.handleSendMessage))
	mux.HandleFunc("PUT /api/chats/{id}/messages/{mid}", h.authed(h.handleEditMessage))
	mux.HandleFunc("DELETE /api/chats/{id}/messages/{mid}", h.authed(h.handleDeleteMessage))
	mux.HandleFunc("PUT /api/chats/{id}/read", h.authed(h.handleMarkRead))
	mux.HandleFunc("GET /ws/chat/{id}", h.handleWS)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// The MCP endpoint reuses the production mux and talks to the fake
	// chat API through the real REST client.
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, chat.NewClient(srv.URL, testToken, srv.Client()))

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux.Handle("/mcp", server.Middleware(testAPIKey, logger)(mcpHandler))

	h.URL = srv.URL
	h.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	h.Client = srv.Client()

	t.Cleanup(h.closeAll)

	return h
}

func (h *harness) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) int64 {
	id, _ := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id
}

func (h *harness) conversation(id int64) chat.Conversation {
	c := chat.Conversation{ID: id, Kind: chat.KindGroup, DisplayName: "Ops", ParticipantCount: 2}
	if id == 8 {
		c = chat.Conversation{ID: id, Kind: chat.KindDirect, DisplayName: "Bea", ParticipantCount: 2}
	}

	if msgs := h.messages[id]; len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		c.LastMessage = &chat.LastMessage{ID: last.ID, Body: last.Body, SenderName: last.SenderName(), CreatedAt: last.CreatedAt}
		c.UpdatedAt = last.CreatedAt
	}

	return c
}

func (h *harness) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	writeJSON(w, http.StatusOK, []chat.Conversation{h.conversation(7), h.conversation(8)})
}

func (h *harness) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := pathID(r, "id")
	if _, ok := h.messages[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Chat not found"})
		return
	}

	writeJSON(w, http.StatusOK, h.conversation(id))
}

func (h *harness) handleListMessages(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	all, ok := h.messages[pathID(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Chat not found"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	newest := slices.Clone(all)
	slices.Reverse(newest)

	start := min(offset, len(newest))
	end := min(start+limit, len(newest))

	writeJSON(w, http.StatusOK, chat.MessagePage{
		Total:    len(all),
		Messages: newest[start:end],
		HasMore:  end < len(newest),
	})
}

func (h *harness) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "content required"})
		return
	}

	msg, ok := h.post(pathID(r, "id"), selfUserID, req.Content)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Chat not found"})
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *harness) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}

	_ = json.NewDecoder(r.Body).Decode(&req)

	h.mu.Lock()
	defer h.mu.Unlock()

	id, mid := pathID(r, "id"), pathID(r, "mid")
	for i, m := range h.messages[id] {
		if m.ID == mid {
			m.Body = req.Content
			m.Edited = true
			h.messages[id][i] = m
			writeJSON(w, http.StatusOK, m)

			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Message not found"})
}

func (h *harness) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, mid := pathID(r, "id"), pathID(r, "mid")
	msgs := h.messages[id]

	for i, m := range msgs {
		if m.ID == mid {
			h.messages[id] = slices.Delete(msgs, i, i+1)
			w.WriteHeader(http.StatusNoContent)

			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Message not found"})
}

func (h *harness) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LastMessageID int64 `json:"last_message_id"`
	}

	_ = json.NewDecoder(r.Body).Decode(&req)

	h.mu.Lock()
	h.reads[pathID(r, "id")] = req.LastMessageID
	h.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (h *harness) handleWS(w http.ResponseWriter, r *http.Request) {
	h.wsAttempts.Add(1)

	if r.URL.Query().Get("token") != testToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	id := pathID(r, "id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	h.wsAccepted.Add(1)

	h.mu.Lock()
	h.conns[id] = append(h.conns[id], conn)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.conns[id] = slices.DeleteFunc(h.conns[id], func(c *websocket.Conn) bool { return c == conn })
		h.mu.Unlock()
	}()

	ctx := r.Context()

	h.write(ctx, conn, chat.EventConnected, chat.ConnectedEvent{ConversationID: id, UserID: selfUserID, Message: "joined"})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		select {
		case h.frames <- frame{conversationID: id, env: env}:
		default:
		}
	}
}

func (h *harness) write(ctx context.Context, conn *websocket.Conn, t chat.EventType, data any) {
	env, err := chat.NewEnvelope(t, data)
	if err != nil {
		return
	}

	payload, _ := json.Marshal(env)
	_ = conn.Write(ctx, websocket.MessageText, payload)
}

// addMessage stores a message without broadcasting it.
func (h *harness) addMessage(conversationID, senderID int64, body string) chat.Message {
	h.nextID++

	name := "Ana"
	if senderID == peerUserID {
		name = "Bea"
	}

	m := chat.Message{
		ID:             h.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      chat.At(h.createdAt.Add(time.Duration(h.nextID) * time.Second)),
		Sender:         &chat.Sender{ID: senderID, Name: name},
		CanEdit:        senderID == selfUserID,
		CanDelete:      senderID == selfUserID,
	}

	h.messages[conversationID] = append(h.messages[conversationID], m)

	return m
}

// post stores a message and broadcasts it to every open connection of
// the conversation, like the real server does after a REST send.
func (h *harness) post(conversationID, senderID int64, body string) (chat.Message, bool) {
	h.mu.Lock()

	if _, ok := h.messages[conversationID]; !ok {
		h.mu.Unlock()
		return chat.Message{}, false
	}

	m := h.addMessage(conversationID, senderID, body)
	conns := slices.Clone(h.conns[conversationID])
	h.mu.Unlock()

	for _, c := range conns {
		h.write(context.Background(), c, chat.EventMessage, m)
	}

	return m, true
}

// pushTyping sends a peer typing signal to the conversation.
func (h *harness) pushTyping(conversationID int64, isTyping bool) {
	h.mu.Lock()
	conns := slices.Clone(h.conns[conversationID])
	h.mu.Unlock()

	for _, c := range conns {
		h.write(context.Background(), c, chat.EventTyping, chat.TypingEvent{UserID: peerUserID, UserName: "Bea", IsTyping: isTyping})
	}
}

// dropAll closes every live connection with code.
func (h *harness) dropAll(code websocket.StatusCode) {
	h.mu.Lock()

	var conns []*websocket.Conn
	for _, cs := range h.conns {
		conns = append(conns, cs...)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(code, "restarting")
	}
}

func (h *harness) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, cs := range h.conns {
		for _, c := range cs {
			_ = c.CloseNow()
		}
	}
}

func (h *harness) lastRead(conversationID int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.reads[conversationID]
}

func (h *harness) liveConns(conversationID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.conns[conversationID])
}

// nextFrame waits for the next envelope of type t a client wrote.
func (h *harness) nextFrame(t *testing.T, typ chat.EventType) frame {
	t.Helper()

	timeout := time.After(5 * time.Second)

	for {
		select {
		case f := <-h.frames:
			if f.env.Type == typ {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s frame received", typ)
		}
	}
}

// newSession opens a session against the harness with a fast reconnect
// delay and short typing idle.
func (h *harness) newSession(t *testing.T, token string) *chat.Session {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	s := chat.NewSession(ctx, chat.NewClient(h.URL, testToken, h.Client), token, chat.SessionConfig{
		WSURL:                h.WSURL,
		ReconnectDelay:       50 * time.Millisecond,
		MaxReconnectAttempts: 5,
		TypingIdle:           100 * time.Millisecond,
		TypingTTL:            5 * time.Second,
		PageSize:             50,
		HTTPClient:           h.Client,
	}, slog.New(slog.DiscardHandler))

	t.Cleanup(func() {
		s.Close()
		cancel()
	})

	return s
}

// waitOpen waits until the session's connection is open and the server
// has registered it.
func (h *harness) waitOpen(t *testing.T, s *chat.Session, conversationID int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		hd := s.Handle()
		return hd != nil && hd.State() == chat.StateOpen && h.liveConns(conversationID) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

// mcpSession connects an MCP client to the harness's /mcp endpoint,
// authenticating with apiKey.
func (h *harness) mcpSession(t *testing.T, apiKey string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: apiKey,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the text of the first content item.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}
