package sync

import (
	"sync"
	"time"

	"github.com/matheus3301/msgsync/internal/backoff"
	"go.uber.org/zap"
)

// gapFillRetrier schedules gap-fill retries per chat, independent of the
// outbound queue. A failed request reschedules itself with the shared
// backoff algorithm until a gapFillBatch for the chat arrives.
type gapFillRetrier struct {
	r      *Reconciler
	policy backoff.Policy

	mu      sync.Mutex
	pending map[string]*gapFillState
	stopped bool
}

type gapFillState struct {
	attempt int
	timer   *time.Timer
}

func newGapFillRetrier(r *Reconciler) *gapFillRetrier {
	return &gapFillRetrier{
		r:       r,
		policy:  backoff.Policy{Base: 2 * time.Second, Max: 2 * time.Minute},
		pending: make(map[string]*gapFillState),
	}
}

// request fires a gap-fill for the chat now, scheduling a retry on
// failure. A new request resets any retry already in progress.
func (g *gapFillRetrier) request(chatID string) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	if st, ok := g.pending[chatID]; ok && st.timer != nil {
		st.timer.Stop()
	}
	g.pending[chatID] = &gapFillState{}
	g.mu.Unlock()

	g.fire(chatID)
}

func (g *gapFillRetrier) fire(chatID string) {
	err := g.r.requestGapFill(chatID)
	if err == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	st, ok := g.pending[chatID]
	if !ok {
		return
	}
	delay := g.policy.Delay(st.attempt)
	st.attempt++
	g.r.logger.Warn("gap fill request failed",
		zap.String("chat_id", chatID),
		zap.Int("attempt", st.attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err))
	st.timer = time.AfterFunc(delay, func() { g.fire(chatID) })
}

// resolved clears retry state once a gap-fill batch for the chat lands.
func (g *gapFillRetrier) resolved(chatID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.pending[chatID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(g.pending, chatID)
	}
}

func (g *gapFillRetrier) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for _, st := range g.pending {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	g.pending = make(map[string]*gapFillState)
}
