package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
)

// Handlers is a set of typed callbacks. Nil fields are skipped.
type Handlers struct {
	Message   func(Message)
	Typing    func(TypingEvent)
	Read      func(ReadReceipt)
	Error     func(ErrorEvent)
	Connected func(ConnectedEvent)
	State     func(StateChange)
}

type subscription struct {
	id uint64
	h  Handlers
}

// Router decodes inbound envelopes and fans them out to subscribers.
// Subscriptions live independently of any connection, so changing
// handlers never tears down the socket and reconnecting never drops
// a subscriber.
//
// Route is synchronous: handlers run on the caller's goroutine in
// subscription order, which preserves the order envelopes arrived in.
type Router struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

// NewRouter creates a Router with no subscribers.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{logger: logger}
}

// Subscribe registers h and returns a function that removes it. The
// returned function is safe to call more than once.
func (r *Router) Subscribe(h Handlers) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, h: h})
	r.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			for i, s := range r.subs {
				if s.id == id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Router) snapshot() []Handlers {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handlers, len(r.subs))
	for i, s := range r.subs {
		out[i] = s.h
	}

	return out
}

// Route decodes one raw text frame received on conversationID's
// connection and dispatches it. It never panics: decode failures and
// handler panics are reported as protocol ErrorEvents.
func (r *Router) Route(conversationID int64, data []byte) {
	if !gjson.ValidBytes(data) {
		r.protocolError(conversationID, "malformed envelope", fmt.Errorf("invalid JSON (%d bytes)", len(data)))
		return
	}

	typ := EventType(gjson.GetBytes(data, "type").Str)
	payload := []byte(gjson.GetBytes(data, "data").Raw)

	switch typ {
	case EventMessage:
		var msg Message
		if err := decodePayload(payload, &msg); err != nil || msg.ID == 0 {
			r.protocolError(conversationID, "malformed message envelope", errors.Join(err, errMissingID(msg.ID)))
			return
		}

		if msg.ConversationID == 0 {
			msg.ConversationID = conversationID
		}

		r.each(conversationID, typ, func(h Handlers) {
			if h.Message != nil {
				h.Message(msg)
			}
		})

	case EventTyping:
		var ev TypingEvent
		if err := decodePayload(payload, &ev); err != nil {
			r.protocolError(conversationID, "malformed typing envelope", err)
			return
		}

		ev.ConversationID = conversationID

		r.each(conversationID, typ, func(h Handlers) {
			if h.Typing != nil {
				h.Typing(ev)
			}
		})

	case EventRead:
		var rr ReadReceipt
		if err := decodePayload(payload, &rr); err != nil {
			r.protocolError(conversationID, "malformed read envelope", err)
			return
		}

		rr.ConversationID = conversationID

		r.each(conversationID, typ, func(h Handlers) {
			if h.Read != nil {
				h.Read(rr)
			}
		})

	case EventError:
		msg := gjson.GetBytes(data, "data.message").String()
		if msg == "" {
			msg = "server reported an error"
		}

		r.PublishError(ErrorEvent{
			ConversationID: conversationID,
			Kind:           ErrorServer,
			Message:        msg,
		})

	case EventConnected:
		var ev ConnectedEvent
		if err := decodePayload(payload, &ev); err != nil {
			r.protocolError(conversationID, "malformed connected envelope", err)
			return
		}

		if ev.ConversationID == 0 {
			ev.ConversationID = conversationID
		}

		r.logger.Debug("joined conversation",
			slog.Int64("conversation_id", ev.ConversationID),
			slog.Int64("user_id", ev.UserID),
		)

		r.each(conversationID, typ, func(h Handlers) {
			if h.Connected != nil {
				h.Connected(ev)
			}
		})

	default:
		r.logger.Debug("dropping envelope with unknown type",
			slog.Int64("conversation_id", conversationID),
			slog.String("type", string(typ)),
		)
	}
}

// PublishError delivers a locally originated error to Error handlers.
func (r *Router) PublishError(ev ErrorEvent) {
	if ev.Message == "" && ev.Err != nil {
		ev.Message = ev.Err.Error()
	}

	for _, h := range r.snapshot() {
		if h.Error == nil {
			continue
		}

		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("error handler panicked",
						slog.Int64("conversation_id", ev.ConversationID),
						slog.Any("panic", p),
					)
				}
			}()

			h.Error(ev)
		}()
	}
}

// PublishState delivers a connection state change to State handlers.
func (r *Router) PublishState(sc StateChange) {
	for _, h := range r.snapshot() {
		if h.State == nil {
			continue
		}

		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("state handler panicked",
						slog.Int64("conversation_id", sc.ConversationID),
						slog.Any("panic", p),
					)
				}
			}()

			h.State(sc)
		}()
	}
}

// each invokes fn for every subscriber, converting a panic in one
// subscriber into a protocol error without skipping the others.
func (r *Router) each(conversationID int64, typ EventType, fn func(Handlers)) {
	for _, h := range r.snapshot() {
		var panicked any

		func() {
			defer func() { panicked = recover() }()
			fn(h)
		}()

		if panicked != nil {
			r.protocolError(conversationID, fmt.Sprintf("%s handler failed", typ), fmt.Errorf("panic: %v", panicked))
		}
	}
}

func (r *Router) protocolError(conversationID int64, msg string, err error) {
	r.logger.Warn(msg,
		slog.Int64("conversation_id", conversationID),
		slog.Any("error", err),
	)

	r.PublishError(ErrorEvent{
		ConversationID: conversationID,
		Kind:           ErrorProtocol,
		Message:        msg,
		Err:            err,
	})
}

func decodePayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return errors.New("missing data")
	}

	return json.Unmarshal(payload, v)
}

func errMissingID(id int64) error {
	if id != 0 {
		return nil
	}

	return errors.New("message without id")
}
