package chat

import (
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
)

type signalAt struct {
	typing bool
	at     time.Duration
}

type signalRecorder struct {
	mu    sync.Mutex
	start time.Time
	got   []signalAt
}

func newSignalRecorder() *signalRecorder {
	return &signalRecorder{start: time.Now()}
}

func (r *signalRecorder) emit(isTyping bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.got = append(r.got, signalAt{typing: isTyping, at: time.Since(r.start)})

	return true
}

func (r *signalRecorder) signals() []signalAt {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]signalAt(nil), r.got...)
}

func TestTypingSignal_DebouncesKeystrokes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := newSignalRecorder()
		ts := NewTypingSignal(3*time.Second, rec.emit)

		ts.Keystroke()
		time.Sleep(500 * time.Millisecond)
		ts.Keystroke()
		time.Sleep(500 * time.Millisecond)
		ts.Keystroke()

		time.Sleep(10 * time.Second)
		synctest.Wait()

		assert.Equal(t, []signalAt{
			{typing: true, at: 0},
			{typing: false, at: 4 * time.Second},
		}, rec.signals())
		assert.False(t, ts.Active())
	})
}

func TestTypingSignal_FlushEmitsStopImmediately(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := newSignalRecorder()
		ts := NewTypingSignal(3*time.Second, rec.emit)

		ts.Keystroke()
		time.Sleep(time.Second)
		ts.Flush()

		time.Sleep(10 * time.Second)
		synctest.Wait()

		assert.Equal(t, []signalAt{
			{typing: true, at: 0},
			{typing: false, at: time.Second},
		}, rec.signals())
	})
}

func TestTypingSignal_FlushWhenIdleIsNoop(t *testing.T) {
	rec := newSignalRecorder()
	ts := NewTypingSignal(3*time.Second, rec.emit)

	ts.Flush()

	assert.Empty(t, rec.signals())
}

func TestTypingSignal_NewSessionAfterStop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := newSignalRecorder()
		ts := NewTypingSignal(3*time.Second, rec.emit)

		ts.Keystroke()
		time.Sleep(5 * time.Second)
		ts.Keystroke()
		time.Sleep(5 * time.Second)
		synctest.Wait()

		assert.Equal(t, []signalAt{
			{typing: true, at: 0},
			{typing: false, at: 3 * time.Second},
			{typing: true, at: 5 * time.Second},
			{typing: false, at: 8 * time.Second},
		}, rec.signals())
	})
}

func TestTypingSignal_CloseCancelsWithoutEmitting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := newSignalRecorder()
		ts := NewTypingSignal(3*time.Second, rec.emit)

		ts.Keystroke()
		ts.Close()
		ts.Keystroke()

		time.Sleep(10 * time.Second)
		synctest.Wait()

		assert.Equal(t, []signalAt{{typing: true, at: 0}}, rec.signals())
	})
}

func TestTypingSignal_DefaultIdle(t *testing.T) {
	ts := NewTypingSignal(0, func(bool) bool { return true })
	assert.Equal(t, DefaultTypingIdle, ts.idle)
}

func TestTypingSignal_StartWaitsForPendingStop(t *testing.T) {
	var (
		mu  sync.Mutex
		got []bool
	)

	stopping := make(chan struct{})
	release := make(chan struct{})

	var stops int
	ts := NewTypingSignal(time.Minute, func(v bool) bool {
		if !v {
			stops++
			if stops == 1 {
				close(stopping)
				<-release
			}
		}

		mu.Lock()
		got = append(got, v)
		mu.Unlock()

		return true
	})
	defer ts.Close()

	ts.Keystroke()

	flushed := make(chan struct{})
	go func() {
		ts.Flush()
		close(flushed)
	}()

	<-stopping

	restarted := make(chan struct{})
	go func() {
		ts.Keystroke()
		close(restarted)
	}()

	select {
	case <-restarted:
		t.Fatal("new session started while the previous stop was being sent")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-flushed
	<-restarted

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, got)
}
