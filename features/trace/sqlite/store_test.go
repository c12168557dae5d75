package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "traces", "spans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCollectCompletesSpans(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	start := time.Unix(100, 0).UTC()

	require.NoError(t, s.Collect(ctx, telemetry.SpanEvent{
		TraceID: "t1", SpanID: "run", Name: "run",
		Phase: telemetry.PhaseStart, Status: telemetry.StatusRunning,
		Input: map[string]any{"messages": 2}, StartedAt: start,
	}))
	require.NoError(t, s.Collect(ctx, telemetry.SpanEvent{
		TraceID: "t1", SpanID: "tool", ParentSpanID: "run", Name: "tool.execute",
		Phase: telemetry.PhaseStart, Status: telemetry.StatusRunning,
		Input: map[string]any{"tool": "simulate"}, StartedAt: start.Add(time.Second),
	}))
	require.NoError(t, s.Collect(ctx, telemetry.SpanEvent{
		TraceID: "t1", SpanID: "tool", ParentSpanID: "run", Name: "tool.execute",
		Phase: telemetry.PhaseEnd, Status: telemetry.StatusError,
		Error: "timeout", StartedAt: start.Add(time.Second), EndedAt: start.Add(3 * time.Second),
	}))

	spans, err := s.ListTrace(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, spans, 2)

	run := spans[0]
	assert.Equal(t, "run", run.Name)
	assert.Equal(t, telemetry.StatusRunning, run.Status)
	assert.True(t, run.EndedAt.IsZero())
	assert.Equal(t, float64(2), run.Input["messages"])

	tool := spans[1]
	assert.Equal(t, "run", tool.ParentSpanID)
	assert.Equal(t, telemetry.PhaseEnd, tool.Phase)
	assert.Equal(t, telemetry.StatusError, tool.Status)
	assert.Equal(t, "timeout", tool.Error)
	assert.Equal(t, "simulate", tool.Input["tool"], "inputs survive the close event")
	assert.True(t, start.Add(3*time.Second).Equal(tool.EndedAt))
}

func TestStoreCloseWithoutStart(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Now()
	require.NoError(t, s.Collect(ctx, telemetry.SpanEvent{
		TraceID: "t", SpanID: "s", Name: "llm.call", Phase: telemetry.PhaseEnd,
		Status: telemetry.StatusSuccess, Output: map[string]any{"status": "ok"},
		StartedAt: now, EndedAt: now,
	}))
	spans, err := s.ListTrace(ctx, "t")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "ok", spans[0].Output["status"])
}

func TestStoreRejectsMissingIDs(t *testing.T) {
	s := openStore(t)
	require.Error(t, s.Collect(context.Background(), telemetry.SpanEvent{Name: "x"}))
}

func TestStoreRecentTracesAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	for _, ev := range []telemetry.SpanEvent{
		{TraceID: "old", SpanID: "a", Name: "run", Phase: telemetry.PhaseInstant, Status: telemetry.StatusSuccess, StartedAt: old, EndedAt: old},
		{TraceID: "new", SpanID: "b", Name: "run", Phase: telemetry.PhaseInstant, Status: telemetry.StatusSuccess, StartedAt: recent, EndedAt: recent},
		{TraceID: "new", SpanID: "c", Name: "tool.execute", Phase: telemetry.PhaseEnd, Status: telemetry.StatusError, Error: "boom", StartedAt: recent, EndedAt: recent},
	} {
		require.NoError(t, s.Collect(ctx, ev))
	}

	traces, err := s.RecentTraces(ctx, 10)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "new", traces[0].TraceID)
	assert.Equal(t, 2, traces[0].Spans)
	assert.Equal(t, 1, traces[0].Errors)

	n, err := s.Cleanup(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	spans, err := s.ListTrace(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestStoreWithRecorder(t *testing.T) {
	s := openStore(t)
	rec := telemetry.NewRecorder(s)

	ctx, run := rec.Start(context.Background(), "run", map[string]any{"run_id": "r1"})
	_, call := rec.Start(ctx, "llm.call", nil)
	call.End(nil, errors.New("unavailable"))
	rec.Instant(ctx, "loop.transition", map[string]any{"event": "fatal"}, map[string]any{"state": "error"})
	run.End(map[string]any{"status": "error"}, errors.New("unavailable"))
	require.NoError(t, rec.Close(context.Background()))

	spans, err := s.ListTrace(context.Background(), run.TraceID())
	require.NoError(t, err)
	require.Len(t, spans, 3)
	byName := map[string]telemetry.SpanEvent{}
	for _, sp := range spans {
		byName[sp.Name] = sp
		assert.NotEqual(t, telemetry.StatusRunning, sp.Status, "%s left open", sp.Name)
	}
	assert.Equal(t, run.SpanID(), byName["llm.call"].ParentSpanID)
	assert.Equal(t, telemetry.StatusError, byName["llm.call"].Status)
	assert.Equal(t, "error", byName["loop.transition"].Output["state"])
}
