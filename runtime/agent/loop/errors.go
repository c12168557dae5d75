package loop

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation tags exits caused by an illegal state transition or
	// by a tool call payload the model should never have produced.
	ErrContractViolation = errors.New("loop: contract violation")
	// ErrLLMFailure tags exits caused by the model client.
	ErrLLMFailure = errors.New("loop: llm failure")
	// ErrInvalidInput reports preconditions of Run that do not hold.
	ErrInvalidInput = errors.New("loop: invalid input")
)

// ErrorKind classifies ErrorRecords and RunErrors.
type ErrorKind string

const (
	// KindToolFailure is a tool that ran and failed, including timeouts.
	KindToolFailure ErrorKind = "tool_failure"
	// KindToolBlocked is a call refused by the failure tracker.
	KindToolBlocked ErrorKind = "tool_blocked"
	// KindToolCancelled is a call that did not settle before cancellation.
	KindToolCancelled ErrorKind = "tool_cancelled"
	// KindFinalization is an anomaly of the finalization call that did not
	// prevent completion.
	KindFinalization ErrorKind = "finalization"
	// KindFatal is a model client failure.
	KindFatal ErrorKind = "fatal"
	// KindContract is a contract violation.
	KindContract ErrorKind = "contract_violation"
)

// RunError is returned by Run for fatal and contract violation exits. It
// unwraps to ErrLLMFailure or ErrContractViolation and to the cause.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("loop: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the sentinel of the kind and the cause.
func (e *RunError) Unwrap() []error {
	switch e.Kind {
	case KindContract:
		return []error{ErrContractViolation, e.Err}
	default:
		return []error{ErrLLMFailure, e.Err}
	}
}

func fatal(err error) *RunError    { return &RunError{Kind: KindFatal, Err: err} }
func contract(err error) *RunError { return &RunError{Kind: KindContract, Err: err} }
