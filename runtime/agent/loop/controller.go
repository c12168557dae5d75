// Package loop drives one agentic run: it calls the model, lets it request
// tools, executes them through the tool call handler and feeds the results
// back until the model answers without tools, the run runs out of iterations
// or time, or the caller cancels.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
	"github.com/circuitpilot/agentloop/runtime/agent/guardrails"
	"github.com/circuitpilot/agentloop/runtime/agent/model"
	"github.com/circuitpilot/agentloop/runtime/agent/reminder"
	"github.com/circuitpilot/agentloop/runtime/agent/statemachine"
	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
	"github.com/circuitpilot/agentloop/runtime/agent/toolcall"
	"github.com/circuitpilot/agentloop/runtime/agent/tools"
)

// MetaFinalization marks the synthesized instruction that opens the
// finalization call.
const MetaFinalization = "finalization"

type (
	// Controller runs loops against one model client and tool executor. A
	// Controller holds no per-run state and may serve concurrent runs.
	Controller struct {
		client      model.Client
		exec        tools.Executor
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		recorder    *telemetry.Recorder
		stream      model.StreamObserver
		transitions statemachine.Observer
	}

	// Option configures a Controller.
	Option func(*Controller)

	// run carries the per-run collaborators.
	run struct {
		*Controller
		cfg      Config
		state    *State
		machine  *statemachine.Machine
		guards   *guardrails.Manager
		handler  *toolcall.Handler
		token    *cancel.Token
		deadline time.Time
		schemas  []*model.ToolDefinition
	}

	// callStatus tells how a model call ended.
	callStatus int

	// callResult is the settled outcome of one model call.
	callResult struct {
		status  callStatus
		resp    model.Response
		err     error
		partial *model.Message
	}

	// deltaBuffer accumulates streamed text while forwarding it. Abandoned
	// calls may keep writing after the controller moved on.
	deltaBuffer struct {
		next      model.StreamObserver
		mu        sync.Mutex
		content   strings.Builder
		reasoning strings.Builder
	}
)

const (
	callDone callStatus = iota
	callFailed
	callCancelled
	callDeadline
)

// WithLogger sets the controller logger.
func WithLogger(l telemetry.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithMetrics sets the controller metrics.
func WithMetrics(m telemetry.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithRecorder emits nested span events for runs, cycles, model calls, tool
// executions and state transitions.
func WithRecorder(r *telemetry.Recorder) Option { return func(c *Controller) { c.recorder = r } }

// WithStreamObserver forwards raw model deltas, for example to a UI.
func WithStreamObserver(o model.StreamObserver) Option { return func(c *Controller) { c.stream = o } }

// WithTransitionObserver reports every state transition. The observer must
// not block.
func WithTransitionObserver(o statemachine.Observer) Option {
	return func(c *Controller) { c.transitions = o }
}

// New returns a controller calling client and dispatching tools to exec.
func New(client model.Client, exec tools.Executor, opts ...Option) *Controller {
	c := &Controller{
		client:  client,
		exec:    exec,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes one loop. It returns the run state on every exit path. The
// error is nil for Complete and Cancelled runs and a *RunError for fatal
// model failures and contract violations. Invalid arguments return
// ErrInvalidInput and a nil state. A nil schemas slice offers every tool of
// the executor; a nil token never fires.
func (c *Controller) Run(ctx context.Context, initial []*model.Message, schemas []*model.ToolDefinition, token *cancel.Token, cfg Config) (*State, error) {
	if len(initial) == 0 {
		return nil, fmt.Errorf("%w: no initial messages", ErrInvalidInput)
	}
	for i, m := range initial {
		if m == nil {
			return nil, fmt.Errorf("%w: initial message %d is nil", ErrInvalidInput, i)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if token == nil {
		token = cancel.New()
	}
	if schemas == nil {
		schemas = c.exec.Schema()
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	now := time.Now()
	st := &State{
		RunID:     runID,
		Messages:  append(make([]*model.Message, 0, len(initial)+8), initial...),
		StartedAt: now,
	}
	r := &run{
		Controller: c,
		cfg:        cfg,
		state:      st,
		guards:     guardrails.NewManager(cfg.guardrails()),
		token:      token,
		deadline:   now.Add(time.Duration(cfg.OverallTimeout)),
		schemas:    schemas,
	}
	ctx, span := c.startSpan(ctx, "run", map[string]any{
		"run_id":         st.RunID,
		"messages":       len(initial),
		"tools":          len(schemas),
		"max_iterations": cfg.MaxIterations,
	})
	r.machine = statemachine.New(statemachine.Observers(c.transitions, r.transitionSpans(ctx)))
	r.handler = toolcall.NewHandler(c.exec, cfg.toolcall(),
		toolcall.WithLogger(c.logger),
		toolcall.WithMetrics(c.metrics),
		toolcall.WithRecorder(c.recorder),
	)
	c.logger.Info(ctx, "run started", "run_id", st.RunID, "max_iterations", cfg.MaxIterations, "tools", len(schemas))

	err := r.loop(ctx)

	st.Status = r.machine.State()
	st.EndedAt = time.Now()
	out := map[string]any{"status": string(st.Status), "iteration": st.Iteration, "errors": len(st.Errors)}
	switch {
	case err != nil:
		c.logger.Error(ctx, "run failed", "run_id", st.RunID, "iteration", st.Iteration, "err", err)
		span.End(out, err)
	case st.Status == statemachine.Cancelled:
		c.logger.Info(ctx, "run cancelled", "run_id", st.RunID, "iteration", st.Iteration, "reason", string(st.CancelReason))
		span.End(out, cancel.ErrCancelled)
	default:
		c.logger.Info(ctx, "run completed", "run_id", st.RunID, "iteration", st.Iteration, "finalized", st.Finalized, "duration", st.Duration().String())
		span.End(out, nil)
	}
	return st, err
}

func (r *run) loop(ctx context.Context) error {
	if err := r.fire(statemachine.EventStart, nil); err != nil {
		return err
	}
	if err := r.fire(statemachine.EventPromptReady, nil); err != nil {
		return err
	}
	for {
		if r.stopped(ctx) {
			return r.cancel()
		}
		if r.state.Iteration >= r.cfg.MaxIterations || !time.Now().Before(r.deadline) {
			return r.finalize(ctx)
		}
		done, err := r.cycle(ctx)
		if done || err != nil {
			return err
		}
	}
}

// cycle runs one model call and, when the model asked for tools, executes
// them and folds the results. done reports a terminal state.
func (r *run) cycle(ctx context.Context) (done bool, err error) {
	st := r.state
	ctx, span := r.startSpan(ctx, "cycle", map[string]any{"iteration": st.Iteration})
	defer func() {
		span.End(map[string]any{"state": string(r.machine.State()), "messages": len(st.Messages)}, err)
	}()

	msgs := st.Messages
	if note, ok := r.guards.GetPromptInjection(st.Iteration); ok {
		msgs = reminder.Inject(msgs, reminder.Reminder{ID: "guardrails", Text: note})
	}
	res := r.callModel(ctx, model.Request{Messages: msgs, Tools: r.schemas}, r.deadline)
	switch res.status {
	case callFailed:
		return true, r.fatal(fatal(res.err))
	case callCancelled:
		st.appendMessage(res.partial)
		return true, r.cancel()
	case callDeadline:
		st.appendMessage(res.partial)
		r.logger.Warn(ctx, "overall timeout reached during model call", "run_id", st.RunID, "iteration", st.Iteration)
		return true, r.finalize(ctx)
	}
	resp := res.resp
	if err := r.fire(statemachine.EventResponseComplete, map[string]any{"tool_calls": len(resp.ToolCalls)}); err != nil {
		return true, err
	}

	if !resp.HasToolCalls() {
		if err := r.fire(statemachine.EventNoToolsDetected, nil); err != nil {
			return true, err
		}
		st.appendMessage(&model.Message{Role: model.RoleAssistant, Content: resp.Content, Reasoning: resp.Reasoning})
		st.FinalContent = resp.Content
		st.FinalReasoning = resp.Reasoning
		r.advance()
		return true, nil
	}

	calls := make([]model.ToolCall, len(resp.ToolCalls))
	for i, call := range resp.ToolCalls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		calls[i] = call
	}
	st.appendMessage(&model.Message{Role: model.RoleAssistant, Content: resp.Content, Reasoning: resp.Reasoning, ToolCalls: calls})
	if err := r.fire(statemachine.EventToolsDetected, map[string]any{"tool_calls": len(calls)}); err != nil {
		return true, err
	}
	if err := r.fire(statemachine.EventToolDispatched, nil); err != nil {
		return true, err
	}
	results, err := r.handler.Execute(ctx, calls, r.token, r.guards)
	if err != nil {
		return true, r.fatal(contract(err))
	}
	if err := r.fire(statemachine.EventAllToolsSettled, nil); err != nil {
		return true, err
	}

	progress := make(map[string]float64)
	for _, res := range results {
		st.fold(res)
		for k, v := range res.Metrics {
			progress[k] = v
		}
	}
	if len(progress) > 0 {
		r.guards.RecordProgress(progress)
	}
	r.advance()
	return false, r.fire(statemachine.EventResultsFolded, nil)
}

// finalize issues the tool-less summarization call that ends a run out of
// iterations or time.
func (r *run) finalize(ctx context.Context) (err error) {
	st := r.state
	ctx, span := r.startSpan(ctx, "finalize", map[string]any{"iteration": st.Iteration})
	defer func() { span.End(map[string]any{"state": string(r.machine.State())}, err) }()

	r.logger.Info(ctx, "finalizing run", "run_id", st.RunID, "iteration", st.Iteration, "max_iterations", r.cfg.MaxIterations)
	st.Finalized = true
	st.appendMessage(&model.Message{
		Role:    model.RoleUser,
		Content: r.cfg.FinalizationPrompt,
		Meta:    map[string]any{MetaFinalization: true},
	})

	deadline := time.Now().Add(time.Duration(r.cfg.FinalizationTimeout))
	res := r.callModel(ctx, model.Request{Messages: st.Messages}, deadline)
	switch res.status {
	case callFailed:
		return r.fatal(fatal(res.err))
	case callCancelled:
		st.appendMessage(res.partial)
		return r.cancel()
	case callDeadline:
		st.recordError(KindFinalization, "finalization call timed out", st.Iteration)
		if res.partial != nil {
			res.resp.Content = res.partial.Content
			res.resp.Reasoning = res.partial.Reasoning
		}
	}
	resp := res.resp
	if resp.HasToolCalls() {
		st.recordError(KindFinalization, fmt.Sprintf("ignored %d tool calls requested during finalization", len(resp.ToolCalls)), st.Iteration)
	}
	if err := r.fire(statemachine.EventResponseComplete, map[string]any{"finalization": true}); err != nil {
		return err
	}
	if err := r.fire(statemachine.EventNoToolsDetected, map[string]any{"finalization": true}); err != nil {
		return err
	}
	msg := &model.Message{Role: model.RoleAssistant, Content: resp.Content, Reasoning: resp.Reasoning}
	if res.status == callDeadline {
		msg.Meta = map[string]any{model.MetaPartial: true}
	}
	st.appendMessage(msg)
	st.FinalContent = resp.Content
	st.FinalReasoning = resp.Reasoning
	return nil
}

// callModel runs one model call racing the token, ctx and deadline. Once
// any of those fires the call gets CancelGracePeriod to return before it is
// abandoned; whatever was streamed so far becomes the partial message.
func (r *run) callModel(ctx context.Context, req model.Request, deadline time.Time) callResult {
	st := r.state
	ctx, span := r.startSpan(ctx, "llm.call", map[string]any{
		"iteration": st.Iteration,
		"messages":  len(req.Messages),
		"tools":     len(req.Tools),
	})
	// Every call is treated as streaming; non-streaming clients simply
	// produce no deltas.
	if r.machine.State() == statemachine.CallingLLM {
		if err := r.fire(statemachine.EventStreamStarted, nil); err != nil {
			span.End(nil, err)
			return callResult{status: callFailed, err: err}
		}
	}

	tokenCtx, stop := r.token.Context(ctx)
	defer stop()
	callCtx, cancelCall := context.WithDeadline(tokenCtx, deadline)
	defer cancelCall()

	buf := &deltaBuffer{next: r.stream}
	type settled struct {
		resp model.Response
		err  error
	}
	done := make(chan settled, 1)
	started := time.Now()
	go func() {
		resp, err := r.client.Call(callCtx, req, buf, r.token)
		done <- settled{resp, err}
	}()

	var (
		s   settled
		got bool
	)
	select {
	case s = <-done:
		got = true
	case <-callCtx.Done():
		grace := time.NewTimer(time.Duration(r.cfg.CancelGracePeriod))
		select {
		case s = <-done:
			got = true
		case <-grace.C:
		}
		grace.Stop()
	}
	r.metrics.RecordTimer(telemetry.MetricLLMDuration, time.Since(started))

	interrupted := r.stopped(ctx) || callCtx.Err() != nil
	if got && !interrupted {
		if s.err != nil {
			span.End(nil, s.err)
			return callResult{status: callFailed, err: s.err}
		}
		st.Usage = st.Usage.Add(s.resp.Usage)
		span.End(map[string]any{
			"tool_calls":  len(s.resp.ToolCalls),
			"content":     len(s.resp.Content),
			"stop_reason": s.resp.StopReason,
		}, nil)
		return callResult{status: callDone, resp: s.resp}
	}

	// Interrupted: keep whatever the model produced.
	content, reasoning := buf.text()
	if got && s.err == nil {
		st.Usage = st.Usage.Add(s.resp.Usage)
		content, reasoning = s.resp.Content, s.resp.Reasoning
	}
	res := callResult{status: callDeadline, partial: partialMessage(content, reasoning)}
	if r.stopped(ctx) {
		res.status = callCancelled
		span.End(map[string]any{"partial": res.partial != nil}, cancel.ErrCancelled)
		return res
	}
	span.End(map[string]any{"partial": res.partial != nil}, context.DeadlineExceeded)
	return res
}

// stopped reports whether the run must stop: the token fired or the caller
// cancelled ctx.
func (r *run) stopped(ctx context.Context) bool {
	return r.token.IsTriggered() || ctx.Err() != nil
}

func (r *run) cancel() error {
	reason, ok := r.token.Reason()
	if !ok {
		reason = cancel.ReasonShutdown
	}
	r.state.CancelReason = reason
	return r.fire(statemachine.EventCancel, map[string]any{"reason": string(reason)})
}

// fatal moves the machine to Error and returns runErr.
func (r *run) fatal(runErr *RunError) error {
	if _, err := r.machine.Fire(statemachine.EventFatal, r.state.Iteration, map[string]any{"kind": string(runErr.Kind), "error": runErr.Err.Error()}); err != nil {
		return contract(errors.Join(runErr, err))
	}
	return runErr
}

// fire applies ev. A rejected event is a contract violation and moves the
// machine to Error.
func (r *run) fire(ev statemachine.Event, ctx map[string]any) error {
	if _, err := r.machine.Fire(ev, r.state.Iteration, ctx); err != nil {
		return r.fatal(contract(err))
	}
	return nil
}

func (r *run) advance() {
	r.state.Iteration++
	r.metrics.IncCounter(telemetry.MetricIterations, 1)
}

// transitionSpans records every transition as an instant span under the run
// span.
func (r *run) transitionSpans(ctx context.Context) statemachine.Observer {
	if r.recorder == nil {
		return nil
	}
	return statemachine.ObserverFunc(func(t statemachine.Transition) {
		r.recorder.Instant(ctx, "loop.transition", map[string]any{
			"event":     string(t.Event),
			"from":      string(t.From),
			"iteration": t.Iteration,
			"context":   t.Context,
		}, map[string]any{"state": string(t.To)})
	})
}

func (c *Controller) startSpan(ctx context.Context, name string, input map[string]any) (context.Context, *telemetry.Scope) {
	if c.recorder == nil {
		return ctx, nil
	}
	return c.recorder.Start(ctx, name, input)
}

func partialMessage(content, reasoning string) *model.Message {
	if content == "" && reasoning == "" {
		return nil
	}
	return &model.Message{
		Role:      model.RoleAssistant,
		Content:   content,
		Reasoning: reasoning,
		Meta:      map[string]any{model.MetaPartial: true},
	}
}

// OnDelta implements model.StreamObserver.
func (b *deltaBuffer) OnDelta(d model.Delta) {
	b.mu.Lock()
	if d.Kind == model.DeltaReasoning {
		b.reasoning.WriteString(d.Text)
	} else {
		b.content.WriteString(d.Text)
	}
	b.mu.Unlock()
	if b.next != nil {
		b.next.OnDelta(d)
	}
}

func (b *deltaBuffer) text() (content, reasoning string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content.String(), b.reasoning.String()
}
