package loop

import (
	"time"

	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
	"github.com/circuitpilot/agentloop/runtime/agent/model"
	"github.com/circuitpilot/agentloop/runtime/agent/statemachine"
	"github.com/circuitpilot/agentloop/runtime/agent/toolcall"
)

type (
	// State is the record of one run. The controller owns it until Run
	// returns; after that it is the caller's.
	State struct {
		RunID string
		// Status is the terminal state reached: Complete, Cancelled or Error.
		Status statemachine.State
		// Iteration counts completed model call cycles. It never exceeds
		// Config.MaxIterations.
		Iteration int
		// Messages is the transcript. It only grows during a run.
		Messages []*model.Message
		// ToolCallLog lists every attempted call, in the order results were
		// folded into Messages.
		ToolCallLog []ToolInvocationRecord
		// FinalContent and FinalReasoning are set on Complete only.
		FinalContent   string
		FinalReasoning string
		// Finalized is true when the run completed through the finalization
		// call after running out of iterations or time.
		Finalized bool
		// Errors lists every non-fatal failure, kept on every exit path.
		Errors []ErrorRecord
		// CancelReason is the token reason when Status is Cancelled.
		CancelReason cancel.Reason
		Usage        model.TokenUsage
		StartedAt    time.Time
		EndedAt      time.Time
	}

	// ToolInvocationRecord is one attempted tool call.
	ToolInvocationRecord struct {
		ID          string
		ToolName    string
		Target      string
		Parameters  map[string]any
		Fingerprint string
		Outcome     toolcall.Outcome
		Summary     string
		Iteration   int
		Timestamp   time.Time
	}

	// ErrorRecord is one failure surfaced to the caller.
	ErrorRecord struct {
		Kind       ErrorKind
		Message    string
		ToolCallID string
		ToolName   string
		Iteration  int
		At         time.Time
	}
)

// Completed reports whether the run produced a final answer.
func (s *State) Completed() bool { return s.Status == statemachine.Complete }

// Duration returns how long the run took.
func (s *State) Duration() time.Duration { return s.EndedAt.Sub(s.StartedAt) }

// ErrorsOf returns the recorded errors of the given kind.
func (s *State) ErrorsOf(kind ErrorKind) []ErrorRecord {
	var out []ErrorRecord
	for _, e := range s.Errors {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *State) appendMessage(m *model.Message) {
	if m != nil {
		s.Messages = append(s.Messages, m)
	}
}

func (s *State) recordError(kind ErrorKind, msg string, iteration int) {
	s.Errors = append(s.Errors, ErrorRecord{Kind: kind, Message: msg, Iteration: iteration, At: time.Now()})
}

// fold records r and appends its message. The record always precedes the
// message.
func (s *State) fold(r toolcall.Result) {
	s.ToolCallLog = append(s.ToolCallLog, ToolInvocationRecord{
		ID:          r.Call.ID,
		ToolName:    r.Call.Name,
		Target:      r.Target,
		Parameters:  r.Params,
		Fingerprint: r.Fingerprint,
		Outcome:     r.Outcome,
		Summary:     r.Summary,
		Iteration:   s.Iteration,
		Timestamp:   r.EndedAt,
	})
	if r.Err != nil {
		kind := KindToolFailure
		switch r.Outcome {
		case toolcall.OutcomeBlocked:
			kind = KindToolBlocked
		case toolcall.OutcomeCancelled:
			kind = KindToolCancelled
		}
		s.Errors = append(s.Errors, ErrorRecord{
			Kind:       kind,
			Message:    r.Err.Error(),
			ToolCallID: r.Call.ID,
			ToolName:   r.Call.Name,
			Iteration:  s.Iteration,
			At:         r.EndedAt,
		})
	}
	s.appendMessage(r.Message)
}
