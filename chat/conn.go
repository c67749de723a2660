package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

//go:generate mockgen -source=conn.go -destination=mock_conn_test.go -package=chat -mock_names=wsConn=MockWSConn

const (
	// DefaultReconnectDelay is the fixed pause before each reconnect.
	DefaultReconnectDelay = 3 * time.Second

	// DefaultMaxReconnectAttempts bounds consecutive failures before a
	// handle gives up.
	DefaultMaxReconnectAttempts = 5

	// inboundChanSize is the buffer size for the channel carrying
	// frames from the reader goroutine to the event loop.
	inboundChanSize = 64

	// outboundChanSize bounds queued ephemeral sends. Sends beyond it
	// are dropped.
	outboundChanSize = 16

	// wsReadLimit caps a single inbound frame. Chat envelopes are small.
	wsReadLimit = 1 << 20

	// ReasonSwitch is the close reason used when Open replaces the
	// handle of another conversation.
	ReasonSwitch = "switch"
)

// ConnState is the lifecycle state of a connection handle.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosedRetrying
	StateClosedFinal
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosedRetrying:
		return "closed-retrying"
	case StateClosedFinal:
		return "closed-final"
	}

	return "unknown"
}

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so the manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
	SetReadLimit(n int64)
}

// dialFunc opens a WebSocket. The response is returned even on failure
// when the server answered the handshake.
type dialFunc func(ctx context.Context, rawURL string) (wsConn, *http.Response, error)

// ManagerConfig holds connection tuning.
type ManagerConfig struct {
	// BaseURL is the ws:// or wss:// origin of the chat server.
	BaseURL              string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HTTPClient           *http.Client
	Now                  func() time.Time
}

// Manager owns at most one live connection. Opening a conversation
// closes the handle of the previously open one.
type Manager struct {
	cfg    ManagerConfig
	router *Router
	logger *slog.Logger
	dial   dialFunc

	mu      sync.Mutex
	current *Handle
}

// NewManager creates a Manager that routes inbound envelopes to router.
func NewManager(cfg ManagerConfig, router *Router, logger *slog.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	m := &Manager{
		cfg:    cfg,
		router: router,
		logger: logger,
	}

	// The handshake timeout travels on the context; the websocket library
	// wants a client without its own Timeout.
	httpClient := cfg.HTTPClient
	handshakeTimeout := DefaultHTTPTimeout

	if httpClient != nil {
		if httpClient.Timeout > 0 {
			handshakeTimeout = httpClient.Timeout
		}

		c := *httpClient
		c.Timeout = 0
		httpClient = &c
	}

	m.dial = func(ctx context.Context, rawURL string) (wsConn, *http.Response, error) {
		ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()

		conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, resp, err
		}

		return conn, resp, nil
	}

	return m
}

// Current returns the live handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.live() {
		return nil
	}

	return m.current
}

// Open starts a connection for conversationID and returns its handle.
// ctx bounds the lifetime of the handle. Re-opening the conversation
// that is already live returns the existing handle. Tokens that are
// missing or already expired fail here without dialing.
func (m *Manager) Open(ctx context.Context, conversationID int64, token string) (*Handle, error) {
	if err := CheckToken(token, m.cfg.Now()); err != nil {
		m.router.PublishError(ErrorEvent{
			ConversationID: conversationID,
			Kind:           ErrorAuth,
			Err:            err,
			Terminal:       true,
		})

		return nil, err
	}

	m.mu.Lock()
	prev := m.current
	if prev != nil && prev.conversationID == conversationID && prev.live() {
		m.mu.Unlock()
		return prev, nil
	}
	m.current = nil
	m.mu.Unlock()

	if prev != nil {
		prev.Close(ReasonSwitch)

		select {
		case <-prev.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		m:              m,
		conversationID: conversationID,
		token:          strings.TrimSpace(token),
		cancel:         cancel,
		outCh:          make(chan Envelope, outboundChanSize),
		done:           make(chan struct{}),
	}

	m.mu.Lock()
	m.current = h
	m.mu.Unlock()

	go h.run(hctx)

	return h, nil
}

// Close closes h with the given reason. No reconnect follows.
func (m *Manager) Close(h *Handle, reason string) {
	if h == nil {
		return
	}

	h.Close(reason)
}

func (m *Manager) chatURL(conversationID int64, token string) string {
	return m.cfg.BaseURL + "/ws/chat/" + strconv.FormatInt(conversationID, 10) + "?token=" + url.QueryEscape(token)
}

// Handle is one conversation's connection, including its reconnect
// loop. A reader goroutine feeds inbound frames to a single event loop
// that routes them in order and performs every write.
type Handle struct {
	m              *Manager
	conversationID int64
	token          string
	cancel         context.CancelFunc
	outCh          chan Envelope
	done           chan struct{}

	mu       sync.Mutex
	state    ConnState
	failures int
	reason   string
	err      error
}

// ConversationID returns the conversation this handle belongs to.
func (h *Handle) ConversationID() int64 { return h.conversationID }

// State returns the current lifecycle state.
func (h *Handle) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// Done is closed once the handle has stopped for good.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error, or nil if the handle was closed by
// the client or is still running.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.err
}

// Send queues env for the event loop. It returns false when the handle
// is not open or the queue is full; the envelope is dropped in that case.
func (h *Handle) Send(env Envelope) bool {
	if h.State() != StateOpen {
		return false
	}

	select {
	case h.outCh <- env:
		return true
	default:
		return false
	}
}

// Close performs a client-initiated close. It does not wait for the
// event loop to exit; use Done for that.
func (h *Handle) Close(reason string) {
	h.mu.Lock()
	if h.reason == "" {
		h.reason = reason
	}
	h.mu.Unlock()

	h.cancel()
}

func (h *Handle) live() bool {
	select {
	case <-h.done:
		return false
	default:
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.reason == ""
}

func (h *Handle) closeReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.reason == "" {
		return "bye"
	}

	return h.reason
}

func (h *Handle) setState(s ConnState, err error) {
	h.mu.Lock()
	from := h.state
	h.state = s
	failures := h.failures
	h.mu.Unlock()

	if from == s {
		return
	}

	h.m.logger.Debug("connection state",
		slog.Int64("conversation_id", h.conversationID),
		slog.String("from", from.String()),
		slog.String("to", s.String()),
	)

	h.m.router.PublishState(StateChange{
		ConversationID: h.conversationID,
		From:           from,
		To:             s,
		Failures:       failures,
		Err:            err,
	})
}

// run is the reconnect loop. It returns when the client closes the
// handle, an auth failure occurs, or the failure bound is reached.
func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	defer h.cancel()

	for {
		h.setState(StateConnecting, nil)

		conn, resp, err := h.m.dial(ctx, h.m.chatURL(h.conversationID, h.token))
		if err != nil {
			if ctx.Err() != nil {
				h.setState(StateIdle, nil)
				return
			}

			if isAuthResponse(resp) {
				h.fail(ErrorAuth, fmt.Errorf("%w: handshake returned %d", ErrAuthRejected, resp.StatusCode))
				return
			}

			if !h.retry(ctx, fmt.Errorf("dialing websocket: %w", err)) {
				return
			}

			continue
		}

		conn.SetReadLimit(wsReadLimit)

		h.mu.Lock()
		h.failures = 0
		h.mu.Unlock()

		h.m.logger.Info("connected", slog.Int64("conversation_id", h.conversationID))
		h.setState(StateOpen, nil)

		err = h.eventLoop(ctx, conn)
		if err == nil || ctx.Err() != nil {
			h.setState(StateIdle, nil)
			return
		}

		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			h.fail(ErrorAuth, fmt.Errorf("%w: %w", ErrAuthRejected, err))
			return
		}

		if !h.retry(ctx, err) {
			return
		}
	}
}

// retry counts a failure and waits out the reconnect delay. It returns
// false when the handle should stop.
func (h *Handle) retry(ctx context.Context, cause error) bool {
	h.mu.Lock()
	h.failures++
	failures := h.failures
	h.mu.Unlock()

	maxAttempts := h.m.cfg.MaxReconnectAttempts

	if failures >= maxAttempts {
		h.fail(ErrorTransport, fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, failures, cause))
		return false
	}

	h.m.logger.Warn("connection lost, reconnecting",
		slog.Int64("conversation_id", h.conversationID),
		slog.String("error", cause.Error()),
		slog.Int("failures", failures),
		slog.Duration("delay", h.m.cfg.ReconnectDelay),
	)

	h.setState(StateClosedRetrying, cause)

	h.m.router.PublishError(ErrorEvent{
		ConversationID: h.conversationID,
		Kind:           ErrorTransport,
		Err:            cause,
	})

	timer := time.NewTimer(h.m.cfg.ReconnectDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		h.setState(StateIdle, nil)
		return false
	case <-timer.C:
		return true
	}
}

// fail moves the handle to closed-final and reports err exactly once.
func (h *Handle) fail(kind ErrorKind, err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()

	h.m.logger.Error("connection failed",
		slog.Int64("conversation_id", h.conversationID),
		slog.String("error", err.Error()),
	)

	h.setState(StateClosedFinal, err)

	h.m.router.PublishError(ErrorEvent{
		ConversationID: h.conversationID,
		Kind:           kind,
		Err:            err,
		Terminal:       true,
	})
}

// startReader launches a goroutine that reads from conn and feeds the
// returned channel. The read error is delivered as the final message.
func startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// eventLoop serves one connection. It returns nil on a client-initiated
// close and the cause otherwise. All writes to conn happen here.
func (h *Handle) eventLoop(ctx context.Context, conn wsConn) error {
	// The reader outlives ctx so the close handshake can complete
	// before the socket is torn down.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	h.drainOutbound()

	inbound := startReader(connCtx, conn)

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				if ctx.Err() != nil {
					return h.closeByClient(conn)
				}

				conn.CloseNow()

				return fmt.Errorf("reading message: %w", msg.err)
			}

			if msg.typ == websocket.MessageBinary {
				h.m.logger.Debug("dropping binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			h.m.router.Route(h.conversationID, msg.data)

		case env := <-h.outCh:
			data, err := json.Marshal(env)
			if err != nil {
				h.m.logger.Warn("dropping unencodable envelope", slog.String("error", err.Error()))
				continue
			}

			if err := conn.Write(connCtx, websocket.MessageText, data); err != nil {
				conn.CloseNow()
				return fmt.Errorf("writing message: %w", err)
			}

		case <-ctx.Done():
			return h.closeByClient(conn)
		}
	}
}

// closeByClient sends the normal close frame, or drops the socket
// outright when switching conversations.
func (h *Handle) closeByClient(conn wsConn) error {
	h.setState(StateClosing, nil)

	reason := h.closeReason()
	if reason == ReasonSwitch {
		conn.CloseNow()
	} else {
		conn.Close(websocket.StatusNormalClosure, reason)
	}

	return nil
}

// drainOutbound discards envelopes queued for a previous connection.
func (h *Handle) drainOutbound() {
	for {
		select {
		case <-h.outCh:
		default:
			return
		}
	}
}

func isAuthResponse(resp *http.Response) bool {
	if resp == nil {
		return false
	}

	return resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
}

// IsTerminal reports whether err ends a handle for good.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrReconnectExhausted)
}
