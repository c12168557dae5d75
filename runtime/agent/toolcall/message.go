package toolcall

import (
	"fmt"

	"github.com/circuitpilot/agentloop/runtime/agent/model"
)

// Message meta keys set on tool result messages.
const (
	MetaOutcome = "outcome"
	MetaKind    = "error_kind"
	MetaTarget  = "target"
)

// toolMessage renders the result the model sees for r. Every requested call
// gets exactly one message, whatever its outcome.
func toolMessage(r *Result) *model.Message {
	var content string
	switch r.Outcome {
	case OutcomeSuccess:
		content = r.Summary
		if content == "" {
			content = fmt.Sprintf("%s completed successfully.", r.Call.Name)
		}
	case OutcomeBlocked:
		content = fmt.Sprintf("Error: %s. Try a different approach or different parameters.", r.Err.Message)
	default:
		content = "Error: " + r.Err.Error()
		if r.Summary != "" && r.Summary != r.Err.Message {
			content += "\n" + r.Summary
		}
	}
	meta := map[string]any{MetaOutcome: string(r.Outcome)}
	if r.Err != nil {
		meta[MetaKind] = string(r.Err.Kind)
	}
	if r.Target != "" {
		meta[MetaTarget] = r.Target
	}
	return &model.Message{
		Role:       model.RoleTool,
		Content:    content,
		ToolCallID: r.Call.ID,
		Name:       r.Call.Name,
		Meta:       meta,
	}
}
