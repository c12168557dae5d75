package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
	"github.com/circuitpilot/agentloop/runtime/agent/model"
	"github.com/circuitpilot/agentloop/runtime/agent/tools"
)

// bench holds the netlists edited by the demo tools. A netlist maps component
// names to values in ohms.
type bench struct {
	mu       sync.Mutex
	netlists map[string]map[string]float64
}

func newBench() *bench {
	return &bench{netlists: map[string]map[string]float64{
		"amp.cir": {"R1": 10e3, "R2": 22e3},
	}}
}

const (
	pathSchema = `{
  "type": "object",
  "properties": {"path": {"type": "string", "minLength": 1}},
  "required": ["path"],
  "additionalProperties": false
}`
	editSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1},
    "component": {"type": "string", "pattern": "^R[0-9]+$"},
    "value": {"type": "number", "exclusiveMinimum": 0}
  },
  "required": ["path", "component", "value"],
  "additionalProperties": false
}`
)

// registry returns the demo tool set. Every tool targets its netlist path so
// edits and simulations of one file never overlap.
func (b *bench) registry() (*tools.Registry, error) {
	return tools.NewRegistry(
		tools.Func{
			Def: tools.Spec{
				Name:        "read_netlist",
				Description: "Return the components of a netlist.",
				InputSchema: json.RawMessage(pathSchema),
				TargetParam: "path",
			},
			Fn: b.read,
		},
		tools.Func{
			Def: tools.Spec{
				Name:        "edit_netlist",
				Description: "Set the value of a component in a netlist.",
				InputSchema: json.RawMessage(editSchema),
				TargetParam: "path",
			},
			Fn: b.edit,
		},
		tools.Func{
			Def: tools.Spec{
				Name:        "simulate",
				Description: "Simulate the inverting amplifier in a netlist and report its gain.",
				InputSchema: json.RawMessage(pathSchema),
				TargetParam: "path",
			},
			Fn: b.simulate,
		},
	)
}

func (b *bench) read(_ context.Context, params map[string]any, _ *cancel.Token) (tools.Result, error) {
	path := params["path"].(string)
	b.mu.Lock()
	defer b.mu.Unlock()
	nl, ok := b.netlists[path]
	if !ok {
		return tools.Result{}, fmt.Errorf("netlist %s not found", path)
	}
	names := make([]string, 0, len(nl))
	for n := range nl {
		names = append(names, n)
	}
	slices.Sort(names)
	lines := make([]string, 0, len(names))
	for _, n := range names {
		lines = append(lines, fmt.Sprintf("%s %g", n, nl[n]))
	}
	return tools.Result{Summary: strings.Join(lines, "\n"), Success: true}, nil
}

func (b *bench) edit(_ context.Context, params map[string]any, _ *cancel.Token) (tools.Result, error) {
	path := params["path"].(string)
	comp := params["component"].(string)
	value := params["value"].(float64)
	b.mu.Lock()
	defer b.mu.Unlock()
	nl, ok := b.netlists[path]
	if !ok {
		return tools.Result{}, fmt.Errorf("netlist %s not found", path)
	}
	if _, ok := nl[comp]; !ok {
		return tools.Result{Summary: fmt.Sprintf("%s has no component %s", path, comp)}, nil
	}
	nl[comp] = value
	return tools.Result{Summary: fmt.Sprintf("set %s to %g in %s", comp, value, path), Success: true}, nil
}

// simulate reports the gain of an inverting amplifier, -R2/R1. It takes a
// moment so cancellation can be observed.
func (b *bench) simulate(ctx context.Context, params map[string]any, _ *cancel.Token) (tools.Result, error) {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return tools.Result{}, ctx.Err()
	}
	path := params["path"].(string)
	b.mu.Lock()
	nl, ok := b.netlists[path]
	var r1, r2 float64
	if ok {
		r1, r2 = nl["R1"], nl["R2"]
	}
	b.mu.Unlock()
	if !ok {
		return tools.Result{}, fmt.Errorf("netlist %s not found", path)
	}
	if r1 == 0 {
		return tools.Result{Summary: "simulation diverged: R1 is zero"}, nil
	}
	gain := 20 * math.Log10(r2/r1)
	return tools.Result{
		Summary: fmt.Sprintf("gain_db=%.2f", gain),
		Success: true,
		Metrics: map[string]float64{"gain_db": gain},
	}, nil
}

// scriptedModel plays a fixed tuning session: inspect the amplifier, raise R2
// twice, then report. When offered no tools it summarizes the session.
type scriptedModel struct {
	path  string
	plan  [][]model.ToolCall
	delay time.Duration
}

func newScriptedModel(path string, delay time.Duration) *scriptedModel {
	call := func(name string, params map[string]any) model.ToolCall {
		payload, _ := json.Marshal(params)
		return model.ToolCall{Name: name, Payload: payload}
	}
	return &scriptedModel{
		path:  path,
		delay: delay,
		plan: [][]model.ToolCall{
			{call("read_netlist", map[string]any{"path": path}), call("simulate", map[string]any{"path": path})},
			{call("edit_netlist", map[string]any{"path": path, "component": "R2", "value": 47e3}), call("simulate", map[string]any{"path": path})},
			{call("edit_netlist", map[string]any{"path": path, "component": "R2", "value": 100e3}), call("simulate", map[string]any{"path": path})},
		},
	}
}

// Call implements model.Client.
func (m *scriptedModel) Call(ctx context.Context, req model.Request, obs model.StreamObserver, token *cancel.Token) (model.Response, error) {
	step := 0
	for _, msg := range req.Messages {
		if msg.Role == model.RoleAssistant && len(msg.ToolCalls) > 0 {
			step++
		}
	}
	gain := lastGain(req.Messages)

	var (
		resp      model.Response
		reasoning string
	)
	switch {
	case len(req.Tools) == 0:
		resp.Content = fmt.Sprintf("Stopping here. After %d tuning steps the amplifier in %s measures %s.", step, m.path, gain)
	case step < len(m.plan):
		reasoning = fmt.Sprintf("Step %d: the gain is %s, keep tuning %s.", step+1, gain, m.path)
		resp.Content = "Running the next tuning step."
		resp.ToolCalls = slices.Clone(m.plan[step])
	default:
		resp.Content = fmt.Sprintf("Done. The amplifier in %s now measures %s.", m.path, gain)
	}
	resp.Reasoning = reasoning

	if err := m.stream(ctx, obs, token, model.DeltaReasoning, reasoning); err != nil {
		return model.Response{}, err
	}
	if err := m.stream(ctx, obs, token, model.DeltaContent, resp.Content); err != nil {
		return model.Response{}, err
	}
	words := len(strings.Fields(reasoning + " " + resp.Content))
	resp.Usage = model.TokenUsage{InputTokens: len(req.Messages) * 16, OutputTokens: words}
	resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	resp.StopReason = "end_turn"
	if resp.ToolCalls != nil {
		resp.StopReason = "tool_use"
	}
	return resp, nil
}

func (m *scriptedModel) stream(ctx context.Context, obs model.StreamObserver, token *cancel.Token, kind model.DeltaKind, text string) error {
	for i, word := range strings.Fields(text) {
		if i > 0 {
			word = " " + word
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-token.Done():
			return cancel.ErrCancelled
		case <-time.After(m.delay):
		}
		if obs != nil {
			obs.OnDelta(model.Delta{Kind: kind, Text: word})
		}
	}
	return nil
}

// lastGain returns the latest simulated gain found in the transcript.
func lastGain(msgs []*model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == model.RoleTool && m.Name == "simulate" {
			if g, ok := strings.CutPrefix(m.Content, "gain_db="); ok {
				return g + " dB"
			}
		}
	}
	return "unknown"
}
