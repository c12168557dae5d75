// Package toolerrors provides structured, classified tool failures. A ToolError
// keeps a message chain that survives serialization into the transcript while
// still supporting errors.Is/As through Unwrap.
package toolerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a recoverable tool failure.
type Kind string

const (
	// KindFailed indicates the tool ran and reported failure.
	KindFailed Kind = "failed"
	// KindTimeout indicates the per-call timeout expired.
	KindTimeout Kind = "timeout"
	// KindBlocked indicates a guardrail refused to run the call.
	KindBlocked Kind = "blocked"
	// KindCancelled indicates the run was cancelled before the call settled.
	KindCancelled Kind = "cancelled"
	// KindInvalid indicates the parameters violate the tool schema.
	KindInvalid Kind = "invalid"
	// KindUnknownTool indicates the model named a tool that is not registered.
	KindUnknownTool Kind = "unknown_tool"
)

// ToolError is a classified tool failure with an optional cause chain.
type ToolError struct {
	Kind    Kind
	Message string
	Cause   *ToolError
}

// New returns a ToolError of the given kind. An empty message defaults to the
// kind name.
func New(kind Kind, message string) *ToolError {
	if kind == "" {
		kind = KindFailed
	}
	if message == "" {
		message = "tool " + string(kind)
	}
	return &ToolError{Kind: kind, Message: message}
}

// Errorf formats a message and returns it as a ToolError of the given kind.
func Errorf(kind Kind, format string, args ...any) *ToolError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap returns a ToolError of the given kind whose cause chain mirrors cause.
func Wrap(kind Kind, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	te := New(kind, message)
	te.Cause = FromError(cause)
	return te
}

// FromError converts err into a ToolError chain. Existing ToolErrors are
// returned unchanged; context deadline and cancellation errors are classified
// as timeout and cancelled respectively.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	kind := KindFailed
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	}
	return &ToolError{
		Kind:    kind,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// KindOf classifies err. It returns the empty kind for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return FromError(err).Kind
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the next error in the chain.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
