// Package model defines the normalized conversation types exchanged between the
// loop controller and a language-model client, together with the client
// contract itself. Vendor adapters translate these types to provider wire
// formats; the loop never sees provider-specific shapes.
package model

import (
	"context"
	"encoding/json"
	"maps"
	"slices"

	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
)

// Role identifies the author of a message in the transcript.
type Role string

const (
	// RoleSystem marks instructions supplied by the host application.
	RoleSystem Role = "system"
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks model output, including tool call requests.
	RoleAssistant Role = "assistant"
	// RoleTool marks the result of a tool invocation.
	RoleTool Role = "tool"
)

type (
	// Client invokes a language model. Implementations must be safe for
	// concurrent use by independent loop runs.
	Client interface {
		// Call sends the request and blocks until the model finished its turn.
		// Streaming clients forward raw deltas to observer as they arrive;
		// observer may be nil. Implementations should stop reading the stream
		// promptly once token fires or ctx is done.
		Call(ctx context.Context, req Request, observer StreamObserver, token *cancel.Token) (Response, error)
	}

	// StreamObserver receives raw content and reasoning deltas for UI
	// forwarding. It is never required for correctness.
	StreamObserver interface {
		OnDelta(Delta)
	}

	// ObserverFunc adapts a function to StreamObserver.
	ObserverFunc func(Delta)

	// Request is the normalized input of one model call.
	Request struct {
		// Messages is the ordered transcript sent to the model.
		Messages []*Message
		// Tools lists the tool schemas offered to the model. Empty means the
		// model must answer without requesting tools.
		Tools []*ToolDefinition
	}

	// Response is the normalized output of one model call.
	Response struct {
		Content    string
		Reasoning  string
		ToolCalls  []ToolCall
		Usage      TokenUsage
		StopReason string
	}

	// Message is one transcript entry.
	Message struct {
		Role      Role       `json:"role"`
		Content   string     `json:"content,omitempty"`
		Reasoning string     `json:"reasoning,omitempty"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// ToolCallID links a tool message to the assistant tool call it answers.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// Name is the tool name on tool messages.
		Name string         `json:"name,omitempty"`
		Meta map[string]any `json:"meta,omitempty"`
	}

	// ToolCall is a tool invocation requested by the model. Payload is the raw
	// JSON object of arguments exactly as the model produced it.
	ToolCall struct {
		ID      string          `json:"id"`
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// ToolDefinition describes a tool offered to the model.
	ToolDefinition struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		// InputSchema is the JSON Schema of the tool parameters.
		InputSchema any `json:"input_schema"`
	}

	// TokenUsage reports token consumption for one or more calls.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// DeltaKind distinguishes streamed content from streamed reasoning.
	DeltaKind string

	// Delta is one streamed fragment.
	Delta struct {
		Kind DeltaKind
		Text string
	}
)

const (
	// DeltaContent carries assistant-visible text.
	DeltaContent DeltaKind = "content"
	// DeltaReasoning carries model reasoning text.
	DeltaReasoning DeltaKind = "reasoning"
)

// OnDelta implements StreamObserver.
func (f ObserverFunc) OnDelta(d Delta) { f(d) }

// Add returns the field-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
}

// HasToolCalls reports whether the model requested at least one tool.
func (r Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Clone returns a copy of m that shares no mutable state with it.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.ToolCalls = slices.Clone(m.ToolCalls)
	c.Meta = maps.Clone(m.Meta)
	return &c
}

// MetaPartial marks assistant messages assembled from an interrupted stream.
const MetaPartial = "partial"

// IsPartial reports whether m was produced by an interrupted stream.
func (m *Message) IsPartial() bool {
	v, _ := m.Meta[MetaPartial].(bool)
	return v
}

// Params decodes the call payload into a parameter map. An empty payload
// decodes to an empty map.
func (c ToolCall) Params() (map[string]any, error) {
	params := map[string]any{}
	if len(c.Payload) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(c.Payload, &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
