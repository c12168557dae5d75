package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
)

type memCollector struct {
	mu     sync.Mutex
	events []SpanEvent
	block  chan struct{}
}

func (c *memCollector) Collect(_ context.Context, ev SpanEvent) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *memCollector) snapshot() []SpanEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SpanEvent(nil), c.events...)
}

func TestRecorderNestsSpans(t *testing.T) {
	col := &memCollector{}
	rec := NewRecorder(col)

	ctx, run := rec.Start(context.Background(), "run", map[string]any{"messages": 1})
	cctx, llm := rec.Start(ctx, "llm.call", nil)
	rec.Instant(cctx, "loop.transition", map[string]any{"from": "idle"}, nil)
	llm.End(map[string]any{"tool_calls": 0}, nil)
	run.End(nil, nil)
	require.NoError(t, rec.Close(context.Background()))

	evs := col.snapshot()
	require.Len(t, evs, 5)
	for _, ev := range evs {
		assert.Equal(t, run.TraceID(), ev.TraceID)
	}
	assert.Equal(t, PhaseStart, evs[0].Phase)
	assert.Empty(t, evs[0].ParentSpanID)
	assert.Equal(t, run.SpanID(), evs[1].ParentSpanID)
	assert.Equal(t, llm.SpanID(), evs[2].ParentSpanID)
	assert.Equal(t, PhaseInstant, evs[2].Phase)
	assert.Equal(t, StatusSuccess, evs[3].Status)
	assert.Equal(t, map[string]any{"tool_calls": 0}, evs[3].Output)
	assert.NotEmpty(t, evs[4].Output, "close events always carry an output or an error")
}

func TestScopeEndClassifiesErrors(t *testing.T) {
	col := &memCollector{}
	rec := NewRecorder(col)

	_, a := rec.Start(context.Background(), "tool.execute", nil)
	a.End(nil, fmt.Errorf("exec: %w", cancel.ErrCancelled))
	_, b := rec.Start(context.Background(), "tool.execute", nil)
	b.End(nil, errors.New("boom"))
	b.End(nil, nil)
	require.NoError(t, rec.Close(context.Background()))

	var ends []SpanEvent
	for _, ev := range col.snapshot() {
		if ev.Phase == PhaseEnd {
			ends = append(ends, ev)
		}
	}
	require.Len(t, ends, 2, "End is idempotent")
	assert.Equal(t, StatusCancelled, ends[0].Status)
	assert.Equal(t, StatusError, ends[1].Status)
	assert.Equal(t, "boom", ends[1].Error)
}

func TestRecorderNeverBlocks(t *testing.T) {
	col := &memCollector{block: make(chan struct{})}
	rec := NewRecorder(col, WithQueueSize(2))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			rec.Instant(context.Background(), "loop.transition", nil, nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a stalled collector")
	}
	assert.Positive(t, rec.Dropped())

	close(col.block)
	require.NoError(t, rec.Close(context.Background()))
	assert.Equal(t, int64(50), rec.Dropped()+int64(len(col.snapshot())))

	rec.Instant(context.Background(), "late", nil, nil)
	assert.Equal(t, int64(51), rec.Dropped()+int64(len(col.snapshot())))
}

func TestRecorderWithoutCollector(t *testing.T) {
	rec := NewRecorder(nil)
	ctx, s := rec.Start(context.Background(), "run", nil)
	require.Same(t, s, ScopeFromContext(ctx))
	s.End(nil, nil)
	require.NoError(t, rec.Close(context.Background()))
	require.Zero(t, rec.Dropped())
}

func TestNoopTelemetry(t *testing.T) {
	ctx := context.Background()
	l := NewNoopLogger()
	l.Debug(ctx, "d", "k", "v")
	l.Error(ctx, "e", "err", errors.New("x"))
	m := NewNoopMetrics()
	m.IncCounter(MetricToolFailed, 1, "tool", "edit")
	m.RecordTimer(MetricToolDuration, time.Millisecond)

	tctx, span := NewNoopTracer().Start(ctx, "op")
	require.Equal(t, ctx, tctx)
	span.AddEvent("e", "k", 1)
	span.RecordError(errors.New("x"))
	span.End()
}

func TestFielders(t *testing.T) {
	fs := fielders("hello", []any{"a", 1, 2, "skipped", "err", errors.New("boom"), "dangling"})
	require.Len(t, fs, 4)
}
