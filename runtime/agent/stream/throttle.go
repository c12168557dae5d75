package stream

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/circuitpilot/agentloop/runtime/agent/model"
)

// DefaultThrottleInterval bounds delta delivery to 20 batches per second.
const DefaultThrottleInterval = 50 * time.Millisecond

// Throttle coalesces bursts of deltas before handing them to the next
// observer. Adjacent deltas of the same kind are concatenated; the relative
// order of content and reasoning text is preserved.
type Throttle struct {
	next     model.StreamObserver
	limiter  *rate.Limiter
	interval time.Duration

	mu      sync.Mutex
	pending []model.Delta
	timer   *time.Timer
	closed  bool
}

// NewThrottle returns a throttle forwarding to next at most once per
// interval. A non-positive interval selects DefaultThrottleInterval.
func NewThrottle(next model.StreamObserver, interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttle{
		next:     next,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// OnDelta implements model.StreamObserver.
func (t *Throttle) OnDelta(d model.Delta) {
	if d.Text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.next.OnDelta(d)
		return
	}
	if n := len(t.pending); n > 0 && t.pending[n-1].Kind == d.Kind {
		t.pending[n-1].Text += d.Text
	} else {
		t.pending = append(t.pending, d)
	}
	if t.limiter.Allow() {
		t.flushLocked()
		return
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval, t.Flush)
	}
}

// Flush delivers pending deltas immediately.
func (t *Throttle) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked()
}

// Close flushes pending deltas; later deltas are forwarded unthrottled.
func (t *Throttle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked()
	t.closed = true
}

func (t *Throttle) flushLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	for _, d := range t.pending {
		t.next.OnDelta(d)
	}
	t.pending = t.pending[:0]
}
