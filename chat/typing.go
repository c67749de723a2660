package chat

import (
	"sync"
	"time"
)

// DefaultTypingIdle is the quiet period after which a typing session ends.
const DefaultTypingIdle = 3 * time.Second

// TypingSignal turns raw keystrokes into start/stop typing signals with a
// trailing quiet period. The first keystroke of a session emits start,
// every keystroke restarts the single idle timer, and the timer firing
// or Flush emits stop.
type TypingSignal struct {
	idle time.Duration
	emit func(isTyping bool) bool

	// emitMu is held across a transition and its emit so start and stop
	// go out in the order the transitions happened. Always taken before mu.
	emitMu sync.Mutex

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewTypingSignal creates a signal that reports transitions through emit.
// emit's result is ignored; typing signals are best effort.
func NewTypingSignal(idle time.Duration, emit func(isTyping bool) bool) *TypingSignal {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}

	return &TypingSignal{idle: idle, emit: emit}
}

// Keystroke records user input.
func (t *TypingSignal) Keystroke() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	start := !t.typing
	t.typing = true

	// The generation guards against a timer that already fired but has
	// not yet taken the lock.
	t.gen++
	gen := t.gen

	if t.timer != nil {
		t.timer.Stop()
	}

	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
	t.mu.Unlock()

	if start {
		t.emit(true)
	}
}

func (t *TypingSignal) expire(gen uint64) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if gen != t.gen || !t.typing || t.closed {
		t.mu.Unlock()
		return
	}

	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	t.emit(false)
}

// Flush ends the current typing session immediately, emitting stop if
// one was in progress. Called when the user sends a message.
func (t *TypingSignal) Flush() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if !t.typing || t.closed {
		t.mu.Unlock()
		return
	}

	t.stopLocked()
	t.mu.Unlock()

	t.emit(false)
}

// Close cancels any pending timer without emitting anything. Later
// keystrokes are ignored.
func (t *TypingSignal) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.closed = true
}

// Active reports whether a typing session is in progress.
func (t *TypingSignal) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.typing
}

func (t *TypingSignal) stopLocked() {
	t.typing = false
	t.gen++

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
