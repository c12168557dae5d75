// Package telemetry carries the loop's observability surface: structured
// logging backed by Clue, OpenTelemetry tracing and metrics, and a span
// recorder that forwards nested span events to an external collector without
// ever blocking the caller.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names emitted by the loop.
const (
	MetricIterations   = "agentloop.iterations"
	MetricLLMDuration  = "agentloop.llm.duration"
	MetricToolDuration = "agentloop.tool.duration"
	MetricToolBlocked  = "agentloop.tool.blocked"
	MetricToolFailed   = "agentloop.tool.failed"
	MetricTraceDropped = "agentloop.trace.dropped"
)

type (
	// Logger is the structured logger used throughout the loop. keyvals are
	// alternating string keys and values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. tags are alternating keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, d time.Duration, tags ...string)
	}

	// Tracer starts OpenTelemetry spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight OpenTelemetry span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, keyvals ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
