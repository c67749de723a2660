package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// msgAt builds a message in conversation 7 created offset seconds after t0.
func msgAt(id int64, offset int, body string) Message {
	return Message{
		ID:             id,
		ConversationID: 7,
		SenderID:       2,
		Body:           body,
		CreatedAt:      At(t0.Add(time.Duration(offset) * time.Second)),
		Sender:         &Sender{ID: 2, Name: "Bea", Email: "bea@example.com"},
	}
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}

	return out
}

// fakeConn is a channel-driven wsConn. Tests push frames with deliver and
// simulate drops with drop.
type fakeConn struct {
	inbound chan inboundMsg
	written chan []byte
	closed  chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	code      websocket.StatusCode
	reason    string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan inboundMsg, 16),
		written: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

var errFakeClosed = errors.New("fake connection closed")

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case m := <-f.inbound:
		return m.typ, m.data, m.err
	case <-f.closed:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}

	f.written <- append([]byte(nil), p...)

	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})

	return nil
}

func (f *fakeConn) CloseNow() error {
	return f.Close(-1, "")
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) deliver(data string) {
	f.inbound <- inboundMsg{typ: websocket.MessageText, data: []byte(data)}
}

func (f *fakeConn) drop(code websocket.StatusCode) {
	f.inbound <- inboundMsg{err: websocket.CloseError{Code: code, Reason: "test"}}
}

func (f *fakeConn) closeCode() (websocket.StatusCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.code, f.reason
}

// dialScript hands out the given outcomes in order. Once exhausted every
// dial fails with a refused connection.
type dialScript struct {
	mu       sync.Mutex
	outcomes []dialOutcome
	urls     []string
	count    atomic.Int32
}

type dialOutcome struct {
	conn   wsConn
	status int
	err    error
}

func (d *dialScript) dial(_ context.Context, rawURL string) (wsConn, *http.Response, error) {
	d.count.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, rawURL)

	if len(d.outcomes) == 0 {
		return nil, nil, errors.New("connection refused")
	}

	o := d.outcomes[0]
	d.outcomes = d.outcomes[1:]

	var resp *http.Response
	if o.status != 0 {
		resp = &http.Response{StatusCode: o.status}
	}

	if o.err != nil {
		return nil, resp, o.err
	}

	return o.conn, resp, nil
}

func (d *dialScript) dials() int { return int(d.count.Load()) }

// eventLog collects router callbacks.
type eventLog struct {
	mu       sync.Mutex
	messages []Message
	typing   []TypingEvent
	reads    []ReadReceipt
	errors   []ErrorEvent
	states   []StateChange
}

func (l *eventLog) with(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

func (l *eventLog) handlers() Handlers {
	return Handlers{
		Message: func(m Message) { l.with(func() { l.messages = append(l.messages, m) }) },
		Typing:  func(ev TypingEvent) { l.with(func() { l.typing = append(l.typing, ev) }) },
		Read:    func(rr ReadReceipt) { l.with(func() { l.reads = append(l.reads, rr) }) },
		Error:   func(ev ErrorEvent) { l.with(func() { l.errors = append(l.errors, ev) }) },
		State:   func(sc StateChange) { l.with(func() { l.states = append(l.states, sc) }) },
	}
}

func (l *eventLog) terminalErrors() []ErrorEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ErrorEvent
	for _, ev := range l.errors {
		if ev.Terminal {
			out = append(out, ev)
		}
	}

	return out
}

func (l *eventLog) allErrors() []ErrorEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]ErrorEvent(nil), l.errors...)
}

func (l *eventLog) allMessages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Message(nil), l.messages...)
}

func (l *eventLog) stateNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.states))
	for i, sc := range l.states {
		out[i] = sc.To.String()
	}

	return out
}

// newTestManager builds a Manager with a scripted dialer and an event log
// subscribed to its router.
func newTestManager(t *testing.T, script *dialScript) (*Manager, *eventLog) {
	t.Helper()

	router := NewRouter(testLogger())
	log := &eventLog{}
	router.Subscribe(log.handlers())

	m := NewManager(ManagerConfig{
		BaseURL:              "ws://chat.test/",
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 5,
	}, router, testLogger())
	m.dial = script.dial

	return m, log
}
