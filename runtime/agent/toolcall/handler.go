// Package toolcall resolves the tool calls of one model turn into tool result
// messages. Calls on the same target resource run one after another in the
// order the model asked for them, as do identical untargeted calls; other calls
// run concurrently up to a limit. Results always come back in request order.
package toolcall

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
	"github.com/circuitpilot/agentloop/runtime/agent/guardrails"
	"github.com/circuitpilot/agentloop/runtime/agent/model"
	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
	"github.com/circuitpilot/agentloop/runtime/agent/toolerrors"
	"github.com/circuitpilot/agentloop/runtime/agent/tools"
)

const (
	DefaultToolTimeout       = 60 * time.Second
	DefaultMaxParallelTools  = 4
	DefaultCancelGracePeriod = 2 * time.Second
)

// ErrMalformedCall reports a tool call the model produced that cannot be
// dispatched at all (no name or a payload that is not a JSON object).
var ErrMalformedCall = errors.New("toolcall: malformed tool call")

type (
	// Guardrails is the part of the guardrails manager the handler needs.
	Guardrails interface {
		ShouldBlock(toolName, target, fingerprint string) bool
		RecordAttempt(toolName, target, fingerprint string, success bool)
		FailureLimit() int
	}

	// Config bounds tool execution.
	Config struct {
		// ToolTimeout bounds each call independently.
		ToolTimeout time.Duration
		// MaxParallelTools bounds concurrently running calls.
		MaxParallelTools int
		// CancelGracePeriod is how long in-flight calls get to wind down once
		// the cancellation token fires.
		CancelGracePeriod time.Duration
	}

	// Outcome is the settled state of one call.
	Outcome string

	// Result is the outcome of one requested call, in request order.
	Result struct {
		Call        model.ToolCall
		Params      map[string]any
		Target      string
		Fingerprint string
		Outcome     Outcome
		// Summary is the tool's own summary on success or failure.
		Summary string
		// Err classifies anything but success.
		Err     *toolerrors.ToolError
		Metrics map[string]float64
		// Message is the tool result message to fold into the transcript.
		Message   *model.Message
		StartedAt time.Time
		EndedAt   time.Time
	}

	// Handler dispatches tool calls to an executor.
	Handler struct {
		exec     tools.Executor
		cfg      Config
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		recorder *telemetry.Recorder
	}

	// Option configures a Handler.
	Option func(*Handler)
)

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeCancelled Outcome = "cancelled"
)

// WithLogger sets the handler logger.
func WithLogger(l telemetry.Logger) Option { return func(h *Handler) { h.logger = l } }

// WithMetrics sets the handler metrics.
func WithMetrics(m telemetry.Metrics) Option { return func(h *Handler) { h.metrics = m } }

// WithRecorder emits a tool.execute span per dispatched call.
func WithRecorder(r *telemetry.Recorder) Option { return func(h *Handler) { h.recorder = r } }

// NewHandler returns a handler dispatching to exec. Zero config values
// select defaults.
func NewHandler(exec tools.Executor, cfg Config, opts ...Option) *Handler {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultMaxParallelTools
	}
	if cfg.CancelGracePeriod <= 0 {
		cfg.CancelGracePeriod = DefaultCancelGracePeriod
	}
	h := &Handler{
		exec:    exec,
		cfg:     cfg,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Execute runs calls and returns one result per call in request order. It
// returns an error wrapping ErrMalformedCall, without running anything, when
// a call cannot be decoded. When token fires, in-flight calls are asked to
// stop and get CancelGracePeriod to settle; calls that did not settle or
// never started are reported as cancelled.
func (h *Handler) Execute(ctx context.Context, calls []model.ToolCall, token *cancel.Token, g Guardrails) ([]Result, error) {
	results := make([]Result, len(calls))
	// Calls sharing a group key run in request order within one goroutine;
	// groups are ordered by first appearance.
	var groups [][]int
	slots := make(map[string]int)
	for i, call := range calls {
		if call.Name == "" {
			return nil, fmt.Errorf("%w: call %d has no tool name", ErrMalformedCall, i)
		}
		params, err := call.Params()
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%s): %v", ErrMalformedCall, call.Name, call.ID, err)
		}
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		target := h.exec.Target(call.Name, params)
		results[i] = Result{
			Call:        call,
			Params:      params,
			Target:      target,
			Fingerprint: guardrails.Fingerprint(call.Name, target, params),
		}
		key := groupKey(&results[i])
		if slot, ok := slots[key]; ok {
			groups[slot] = append(groups[slot], i)
			continue
		}
		slots[key] = len(groups)
		groups = append(groups, []int{i})
	}

	runCtx, stop := token.Context(ctx)
	defer stop()
	sem := make(chan struct{}, h.cfg.MaxParallelTools)
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []int) {
			defer wg.Done()
			for _, idx := range group {
				h.runOne(ctx, runCtx, sem, token, g, &results[idx])
			}
		}(group)
	}
	wg.Wait()

	for i := range results {
		results[i].Message = toolMessage(&results[i])
	}
	return results, nil
}

func (h *Handler) runOne(ctx, runCtx context.Context, sem chan struct{}, token *cancel.Token, g Guardrails, r *Result) {
	r.StartedAt = time.Now()
	if runCtx.Err() != nil {
		h.cancelled(r, "cancelled before dispatch")
		return
	}
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-runCtx.Done():
		h.cancelled(r, "cancelled before dispatch")
		return
	}
	if g.ShouldBlock(r.Call.Name, r.Target, r.Fingerprint) {
		r.Outcome = OutcomeBlocked
		r.Err = toolerrors.Errorf(toolerrors.KindBlocked,
			"blocked: %s with identical parameters on %s already failed %d times", r.Call.Name, describeTarget(r.Target), g.FailureLimit())
		r.EndedAt = time.Now()
		h.metrics.IncCounter(telemetry.MetricToolBlocked, 1, "tool", r.Call.Name)
		h.logger.Warn(ctx, "tool call blocked by guardrails", "tool", r.Call.Name, "target", r.Target, "fingerprint", r.Fingerprint)
		return
	}

	spanCtx := ctx
	var span *telemetry.Scope
	if h.recorder != nil {
		spanCtx, span = h.recorder.Start(ctx, "tool.execute", map[string]any{
			"tool_call_id": r.Call.ID,
			"tool":         r.Call.Name,
			"target":       r.Target,
			"params":       r.Params,
		})
	}

	callCtx, cancelCall := context.WithTimeout(runCtx, h.cfg.ToolTimeout)
	defer cancelCall()
	callCtx = withScope(callCtx, spanCtx)

	type settled struct {
		res tools.Result
		err error
	}
	done := make(chan settled, 1)
	go func() {
		res, err := h.exec.Execute(callCtx, r.Call.Name, r.Params, token)
		done <- settled{res, err}
	}()

	var (
		s       settled
		settles = true
	)
	select {
	case s = <-done:
	case <-callCtx.Done():
		if runCtx.Err() == nil {
			s.err = toolerrors.Errorf(toolerrors.KindTimeout, "%s timed out after %s", r.Call.Name, h.cfg.ToolTimeout)
			break
		}
		grace := time.NewTimer(h.cfg.CancelGracePeriod)
		select {
		case s = <-done:
		case <-grace.C:
			settles = false
		}
		grace.Stop()
	}
	r.EndedAt = time.Now()
	h.metrics.RecordTimer(telemetry.MetricToolDuration, r.EndedAt.Sub(r.StartedAt), "tool", r.Call.Name)

	if !settles {
		h.cancelled(r, "cancelled while running")
		span.End(nil, cancel.ErrCancelled)
		return
	}
	h.settle(r, s.res, s.err)
	if r.Outcome == OutcomeFailure && runCtx.Err() != nil && toolerrors.KindOf(s.err) == toolerrors.KindCancelled {
		// The tool unwound because of the token; this is not a failure of
		// the call itself.
		h.cancelled(r, r.Err.Message)
		span.End(nil, cancel.ErrCancelled)
		return
	}
	g.RecordAttempt(r.Call.Name, r.Target, r.Fingerprint, r.Outcome == OutcomeSuccess)
	if r.Outcome == OutcomeSuccess {
		span.End(map[string]any{"summary": r.Summary}, nil)
		return
	}
	h.metrics.IncCounter(telemetry.MetricToolFailed, 1, "tool", r.Call.Name, "kind", string(r.Err.Kind))
	h.logger.Warn(ctx, "tool call failed", "tool", r.Call.Name, "target", r.Target, "kind", string(r.Err.Kind), "err", r.Err)
	span.End(map[string]any{"summary": r.Summary}, r.Err)
}

func (h *Handler) settle(r *Result, res tools.Result, err error) {
	r.Summary = res.Summary
	switch {
	case err != nil:
		r.Outcome = OutcomeFailure
		r.Err = toolerrors.FromError(err)
	case !res.Success:
		r.Outcome = OutcomeFailure
		msg := res.Summary
		if msg == "" {
			msg = r.Call.Name + " reported failure"
		}
		r.Err = toolerrors.New(toolerrors.KindFailed, msg)
	default:
		r.Outcome = OutcomeSuccess
		r.Metrics = maps.Clone(res.Metrics)
	}
}

func (h *Handler) cancelled(r *Result, msg string) {
	r.Outcome = OutcomeCancelled
	r.Err = toolerrors.New(toolerrors.KindCancelled, msg)
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now()
	}
}

// withScope carries the tool span of spanCtx into ctx so executors that
// record nested spans attach them to the right parent.
func withScope(ctx, spanCtx context.Context) context.Context {
	if s := telemetry.ScopeFromContext(spanCtx); s != nil {
		return telemetry.ContextWithScope(ctx, s)
	}
	return ctx
}

// groupKey serializes calls on one target. Untargeted calls are keyed by tool
// and fingerprint so an identical retry sees the outcome of the call before it.
func groupKey(r *Result) string {
	if r.Target != "" {
		return "target\x00" + r.Target
	}
	return "call\x00" + r.Call.Name + "\x00" + r.Fingerprint
}

func describeTarget(target string) string {
	if target == "" {
		return "the same input"
	}
	return target
}
