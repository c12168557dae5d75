// Package stream delivers client-facing run updates (content and reasoning
// deltas, loop state transitions) to a transport such as Pulse. Nothing in
// this package is required for the loop to be correct: forwarding is best
// effort and never blocks the run.
package stream

import (
	"context"
	"time"
)

type (
	// EventType identifies a stream event.
	EventType string

	// Event is one client-facing update.
	Event struct {
		Type      EventType `json:"type"`
		RunID     string    `json:"run_id"`
		Timestamp time.Time `json:"timestamp"`
		Payload   any       `json:"payload,omitempty"`
	}

	// DeltaPayload carries streamed text.
	DeltaPayload struct {
		Text string `json:"text"`
	}

	// TransitionPayload mirrors a loop state transition.
	TransitionPayload struct {
		Event     string         `json:"event"`
		From      string         `json:"from"`
		To        string         `json:"to"`
		Iteration int            `json:"iteration"`
		Context   map[string]any `json:"context,omitempty"`
	}

	// Sink publishes events to a transport. Implementations must be safe for
	// concurrent use.
	Sink interface {
		Send(ctx context.Context, ev Event) error
		Close(ctx context.Context) error
	}
)

const (
	EventContentDelta   EventType = "content_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventTransition     EventType = "transition"
)
