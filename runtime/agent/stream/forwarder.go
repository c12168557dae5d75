package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/circuitpilot/agentloop/runtime/agent/model"
	"github.com/circuitpilot/agentloop/runtime/agent/statemachine"
	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
)

// Forwarder adapts a Sink to the loop's stream and transition observers. It
// queues events and sends them from a single goroutine; when the queue is
// full events are dropped so the run never waits on the transport.
type Forwarder struct {
	runID  string
	sink   Sink
	logger telemetry.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithBuffer sets the queue capacity (default 256).
func WithBuffer(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.queue = make(chan Event, n)
		}
	}
}

// WithLogger sets the logger used to report send failures.
func WithLogger(l telemetry.Logger) ForwarderOption {
	return func(f *Forwarder) { f.logger = l }
}

// NewForwarder starts forwarding events of runID to sink.
func NewForwarder(runID string, sink Sink, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		runID:  runID,
		sink:   sink,
		logger: telemetry.NewNoopLogger(),
		queue:  make(chan Event, 256),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	go f.run()
	return f
}

// OnDelta implements model.StreamObserver.
func (f *Forwarder) OnDelta(d model.Delta) {
	typ := EventContentDelta
	if d.Kind == model.DeltaReasoning {
		typ = EventReasoningDelta
	}
	f.enqueue(Event{Type: typ, Payload: DeltaPayload{Text: d.Text}})
}

// OnTransition implements statemachine.Observer.
func (f *Forwarder) OnTransition(t statemachine.Transition) {
	f.enqueue(Event{
		Type:      EventTransition,
		Timestamp: t.At,
		Payload: TransitionPayload{
			Event:     string(t.Event),
			From:      string(t.From),
			To:        string(t.To),
			Iteration: t.Iteration,
			Context:   t.Context,
		},
	})
}

// Dropped returns the number of events discarded.
func (f *Forwarder) Dropped() int64 { return f.dropped.Load() }

// Close stops accepting events and waits for queued ones to be sent or for
// ctx to be done. It does not close the sink.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forwarder) enqueue(ev Event) {
	ev.RunID = f.runID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.dropped.Add(1)
		return
	}
	select {
	case f.queue <- ev:
	default:
		f.dropped.Add(1)
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for ev := range f.queue {
		if err := f.sink.Send(context.Background(), ev); err != nil {
			f.logger.Warn(context.Background(), "stream send failed", "run_id", f.runID, "type", string(ev.Type), "err", err)
		}
	}
}
