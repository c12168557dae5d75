// Package tools defines the tool contract consumed by the loop and a lookup
// table registry that dispatches model-requested calls to registered tools.
package tools

import (
	"context"
	"encoding/json"

	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
	"github.com/circuitpilot/agentloop/runtime/agent/model"
)

type (
	// Executor runs tool calls on behalf of the loop.
	Executor interface {
		// Execute runs the named tool. A returned error or a Result with
		// Success false is a recoverable failure the model gets to see.
		Execute(ctx context.Context, name string, params map[string]any, token *cancel.Token) (Result, error)
		// Schema returns the tool definitions handed to the model verbatim.
		Schema() []*model.ToolDefinition
		// Target returns the resource the call operates on, or "" when the
		// call is independent of every other call.
		Target(name string, params map[string]any) string
	}

	// Tool is a single registered capability.
	Tool interface {
		Spec() Spec
		Execute(ctx context.Context, params map[string]any, token *cancel.Token) (Result, error)
	}

	// Spec describes a tool to the model and to the dispatcher.
	Spec struct {
		Name        string
		Description string
		// InputSchema is the JSON Schema of the parameters. Empty disables
		// validation.
		InputSchema json.RawMessage
		// TargetParam names the string parameter holding the resource the
		// tool reads or writes (for example "path"). Calls sharing a target
		// run sequentially.
		TargetParam string
	}

	// Result is the outcome of one tool execution.
	Result struct {
		// Summary is folded into the transcript as the tool message content.
		Summary string
		Success bool
		// Metrics are named progress measurements (for example "gain_db")
		// reported to the stagnation detector.
		Metrics map[string]float64
	}

	// Func adapts a function to Tool.
	Func struct {
		Def Spec
		Fn  func(ctx context.Context, params map[string]any, token *cancel.Token) (Result, error)
	}
)

// Spec implements Tool.
func (f Func) Spec() Spec { return f.Def }

// Execute implements Tool.
func (f Func) Execute(ctx context.Context, params map[string]any, token *cancel.Token) (Result, error) {
	return f.Fn(ctx, params, token)
}

// Definition converts s to the model-facing tool definition.
func (s Spec) Definition() *model.ToolDefinition {
	def := &model.ToolDefinition{Name: s.Name, Description: s.Description}
	if len(s.InputSchema) > 0 {
		def.InputSchema = s.InputSchema
	}
	return def
}
