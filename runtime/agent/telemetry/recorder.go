package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
)

// DefaultQueueSize is the span event buffer of a Recorder.
const DefaultQueueSize = 1024

type (
	// Phase tells whether an event opens, closes or fully describes a span.
	Phase string

	// SpanStatus is the lifecycle status of a span.
	SpanStatus string

	// SpanEvent is the unit handed to a Collector. Close and instant events
	// always carry an Output or an Error.
	SpanEvent struct {
		TraceID      string         `json:"trace_id" bson:"trace_id"`
		SpanID       string         `json:"span_id" bson:"span_id"`
		ParentSpanID string         `json:"parent_span_id,omitempty" bson:"parent_span_id,omitempty"`
		Name         string         `json:"name" bson:"name"`
		Phase        Phase          `json:"phase" bson:"phase"`
		Status       SpanStatus     `json:"status" bson:"status"`
		Input        map[string]any `json:"input,omitempty" bson:"input,omitempty"`
		Output       map[string]any `json:"output,omitempty" bson:"output,omitempty"`
		Error        string         `json:"error,omitempty" bson:"error,omitempty"`
		StartedAt    time.Time      `json:"started_at" bson:"started_at"`
		EndedAt      time.Time      `json:"ended_at,omitzero" bson:"ended_at,omitempty"`
	}

	// Collector receives span events. Collect runs on the recorder's drain
	// goroutine, never on the caller's.
	Collector interface {
		Collect(ctx context.Context, ev SpanEvent) error
	}

	// CollectorFunc adapts a function to Collector.
	CollectorFunc func(ctx context.Context, ev SpanEvent) error

	// Recorder turns span starts and ends into SpanEvents and forwards them
	// to a Collector through a bounded queue drained by one goroutine.
	// Emitting never blocks: when the queue is full the event is dropped
	// and counted.
	Recorder struct {
		collector Collector
		tracer    Tracer
		logger    Logger
		metrics   Metrics

		mu      sync.RWMutex
		closed  bool
		queue   chan SpanEvent
		drained chan struct{}
		dropped atomic.Int64
		warn    rate.Sometimes
	}

	// RecorderOption configures a Recorder.
	RecorderOption func(*recorderOptions)

	recorderOptions struct {
		queueSize int
		tracer    Tracer
		logger    Logger
		metrics   Metrics
	}

	// Scope is an open span. End must be called exactly once; later calls
	// are ignored.
	Scope struct {
		rec     *Recorder
		traceID string
		spanID  string
		parent  string
		name    string
		started time.Time
		otel    Span
		once    sync.Once
	}

	scopeKey struct{}
)

const (
	PhaseStart   Phase = "start"
	PhaseEnd     Phase = "end"
	PhaseInstant Phase = "instant"

	StatusRunning   SpanStatus = "running"
	StatusSuccess   SpanStatus = "success"
	StatusError     SpanStatus = "error"
	StatusCancelled SpanStatus = "cancelled"
)

// Collect implements Collector.
func (f CollectorFunc) Collect(ctx context.Context, ev SpanEvent) error { return f(ctx, ev) }

// WithQueueSize sets the event buffer size.
func WithQueueSize(n int) RecorderOption {
	return func(o *recorderOptions) { o.queueSize = n }
}

// WithTracer mirrors recorded spans as OpenTelemetry spans.
func WithTracer(t Tracer) RecorderOption {
	return func(o *recorderOptions) { o.tracer = t }
}

// WithRecorderLogger sets the logger used to report collector failures and
// drops.
func WithRecorderLogger(l Logger) RecorderOption {
	return func(o *recorderOptions) { o.logger = l }
}

// WithRecorderMetrics sets the metrics used to count dropped events.
func WithRecorderMetrics(m Metrics) RecorderOption {
	return func(o *recorderOptions) { o.metrics = m }
}

// NewRecorder starts a recorder forwarding to c. A nil collector keeps only
// the OpenTelemetry mirror. Call Close to flush.
func NewRecorder(c Collector, opts ...RecorderOption) *Recorder {
	o := recorderOptions{
		queueSize: DefaultQueueSize,
		tracer:    NewNoopTracer(),
		logger:    NewNoopLogger(),
		metrics:   NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}
	r := &Recorder{
		collector: c,
		tracer:    o.tracer,
		logger:    o.logger,
		metrics:   o.metrics,
		queue:     make(chan SpanEvent, o.queueSize),
		drained:   make(chan struct{}),
		warn:      rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	go r.drain()
	return r
}

// Start opens a span named name, nested under the span carried by ctx if
// any. The returned context carries the new span.
func (r *Recorder) Start(ctx context.Context, name string, input map[string]any) (context.Context, *Scope) {
	s := &Scope{
		rec:     r,
		spanID:  uuid.NewString(),
		name:    name,
		started: time.Now(),
	}
	if parent := ScopeFromContext(ctx); parent != nil {
		s.traceID = parent.traceID
		s.parent = parent.spanID
	} else {
		s.traceID = uuid.NewString()
	}
	ctx, s.otel = r.tracer.Start(ctx, name)
	r.emit(SpanEvent{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: s.parent,
		Name:         name,
		Phase:        PhaseStart,
		Status:       StatusRunning,
		Input:        input,
		StartedAt:    s.started,
	})
	return context.WithValue(ctx, scopeKey{}, s), s
}

// Instant records a zero-duration span under the span carried by ctx.
func (r *Recorder) Instant(ctx context.Context, name string, input, output map[string]any) {
	ev := SpanEvent{
		SpanID: uuid.NewString(),
		Name:   name,
		Phase:  PhaseInstant,
		Status: StatusSuccess,
		Input:  input,
		Output: nonEmpty(output),
	}
	if parent := ScopeFromContext(ctx); parent != nil {
		ev.TraceID = parent.traceID
		ev.ParentSpanID = parent.spanID
		parent.otel.AddEvent(name, flatten(input)...)
	} else {
		ev.TraceID = uuid.NewString()
	}
	ev.StartedAt = time.Now()
	ev.EndedAt = ev.StartedAt
	r.emit(ev)
}

// Dropped returns the number of events discarded because the queue was
// full or the recorder was closed.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting events and waits until queued events reached the
// collector or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End closes the span. A nil err with an empty output still produces a
// non-empty output so every close event carries one of the two.
func (s *Scope) End(output map[string]any, err error) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		ev := SpanEvent{
			TraceID:      s.traceID,
			SpanID:       s.spanID,
			ParentSpanID: s.parent,
			Name:         s.name,
			Phase:        PhaseEnd,
			StartedAt:    s.started,
			EndedAt:      time.Now(),
		}
		switch {
		case err == nil:
			ev.Status = StatusSuccess
			ev.Output = nonEmpty(output)
			s.otel.SetStatus(codes.Ok, "")
		case isCancellation(err):
			ev.Status = StatusCancelled
			ev.Error = err.Error()
			ev.Output = output
			s.otel.SetStatus(codes.Error, "cancelled")
		default:
			ev.Status = StatusError
			ev.Error = err.Error()
			ev.Output = output
			s.otel.RecordError(err)
			s.otel.SetStatus(codes.Error, err.Error())
		}
		s.otel.End()
		s.rec.emit(ev)
	})
}

// SpanID returns the span identifier.
func (s *Scope) SpanID() string { return s.spanID }

// TraceID returns the trace identifier shared by nested spans.
func (s *Scope) TraceID() string { return s.traceID }

// ScopeFromContext returns the span opened by Recorder.Start, if any.
func ScopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

func (r *Recorder) emit(ev SpanEvent) {
	if r.collector == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.closed {
		select {
		case r.queue <- ev:
			return
		default:
		}
	}
	n := r.dropped.Add(1)
	r.metrics.IncCounter(MetricTraceDropped, 1, "span", ev.Name)
	r.warn.Do(func() {
		r.logger.Warn(context.Background(), "span event dropped", "span", ev.Name, "dropped_total", n)
	})
}

func (r *Recorder) drain() {
	defer close(r.drained)
	for ev := range r.queue {
		if err := r.collector.Collect(context.Background(), ev); err != nil {
			r.logger.Warn(context.Background(), "span collector failed", "span", ev.Name, "err", err)
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, cancel.ErrCancelled) || errors.Is(err, context.Canceled)
}

func nonEmpty(output map[string]any) map[string]any {
	if len(output) == 0 {
		return map[string]any{"status": "ok"}
	}
	return output
}

func flatten(m map[string]any) []any {
	kv := make([]any, 0, 2*len(m))
	for k, v := range m {
		kv = append(kv, k, v)
	}
	return kv
}

// ContextWithScope returns ctx carrying s as the current span so spans
// started from it nest under s.
func ContextWithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}
