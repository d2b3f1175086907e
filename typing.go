package uthhub

import (
	"context"
	"sync"
	"time"
)

// typingNotifier publishes the local user's typing state: typing=true once
// per burst, typing=false once after the inactivity timeout or an explicit
// stop.
type typingNotifier struct {
	send    func(ctx context.Context, conversationID int64, typing bool) error
	timeout time.Duration

	mu     sync.Mutex
	active bool
	convID int64
	gen    uint64
	timer  *time.Timer
}

func newTypingNotifier(timeout time.Duration, send func(context.Context, int64, bool) error) *typingNotifier {
	return &typingNotifier{send: send, timeout: timeout}
}

func (t *typingNotifier) keystroke(ctx context.Context, conversationID int64) {
	t.mu.Lock()
	var stopPrev int64
	switchConv := t.active && t.convID != conversationID
	if switchConv {
		stopPrev = t.convID
	}
	start := !t.active || switchConv
	t.active = true
	t.convID = conversationID
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(gen) })
	t.mu.Unlock()

	if switchConv {
		_ = t.send(ctx, stopPrev, false)
	}
	if start {
		_ = t.send(ctx, conversationID, true)
	}
}

func (t *typingNotifier) expire(gen uint64) {
	t.mu.Lock()
	if !t.active || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	convID := t.convID
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.send(ctx, convID, false)
}

// stop publishes typing=false if a burst is active.
func (t *typingNotifier) stop(ctx context.Context) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	convID := t.convID
	t.mu.Unlock()

	_ = t.send(ctx, convID, false)
}
