// Package statemachine holds the explicit state and transition table of one
// loop execution. The controller fires an event for every step it takes; the
// machine rejects anything not in the table and reports every accepted
// transition to an observer.
package statemachine

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

type (
	// State is a loop execution state.
	State string

	// Event drives a transition.
	Event string

	// Transition is the immutable record of one accepted transition.
	Transition struct {
		Event     Event
		From      State
		To        State
		Iteration int
		Context   map[string]any
		At        time.Time
	}

	// Observer is notified of every accepted transition. Implementations must
	// return quickly and must not call back into the machine; the machine never
	// waits on any work they start.
	Observer interface {
		OnTransition(Transition)
	}

	// ObserverFunc adapts a function to Observer.
	ObserverFunc func(Transition)

	// TransitionError reports an event fired from a state that does not accept
	// it.
	TransitionError struct {
		Event Event
		From  State
	}

	// Machine tracks the current state. It is safe for concurrent use, though
	// only the owning controller fires events.
	Machine struct {
		mu       sync.Mutex
		state    State
		observer Observer
		history  []Transition
	}

	edge struct {
		event Event
		from  State
	}
)

const (
	Idle            State = "idle"
	Preparing       State = "preparing"
	CallingLLM      State = "calling_llm"
	Streaming       State = "streaming"
	ParsingResponse State = "parsing_response"
	ExecutingTools  State = "executing_tools"
	WaitingTool     State = "waiting_tool"
	Aggregating     State = "aggregating"
	Complete        State = "complete"
	Cancelled       State = "cancelled"
	Error           State = "error"
)

const (
	EventStart            Event = "start"
	EventPromptReady      Event = "prompt_ready"
	EventStreamStarted    Event = "stream_started"
	EventResponseComplete Event = "response_complete"
	EventToolsDetected    Event = "tools_detected"
	EventNoToolsDetected  Event = "no_tools_detected"
	EventToolDispatched   Event = "tool_dispatched"
	EventAllToolsSettled  Event = "all_tools_settled"
	EventResultsFolded    Event = "results_folded"
	EventCancel           Event = "cancel"
	EventFatal            Event = "fatal"
)

// ErrIllegalTransition is wrapped by every TransitionError.
var ErrIllegalTransition = errors.New("statemachine: illegal transition")

var table = map[edge]State{
	{EventStart, Idle}:                      Preparing,
	{EventPromptReady, Preparing}:           CallingLLM,
	{EventStreamStarted, CallingLLM}:        Streaming,
	{EventResponseComplete, Streaming}:      ParsingResponse,
	{EventToolsDetected, ParsingResponse}:   ExecutingTools,
	{EventNoToolsDetected, ParsingResponse}: Complete,
	{EventToolDispatched, ExecutingTools}:   WaitingTool,
	{EventAllToolsSettled, WaitingTool}:     Aggregating,
	{EventResultsFolded, Aggregating}:       CallingLLM,
}

// New returns a machine in the Idle state. observer may be nil.
func New(observer Observer) *Machine {
	return &Machine{state: Idle, observer: observer}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns the accepted transitions in order.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Fire applies ev. ctx is copied into the reported transition. Rejected
// events leave the state unchanged and return a *TransitionError.
func (m *Machine) Fire(ev Event, iteration int, ctx map[string]any) (Transition, error) {
	m.mu.Lock()
	from := m.state
	to, ok := Next(from, ev)
	if !ok {
		m.mu.Unlock()
		return Transition{}, &TransitionError{Event: ev, From: from}
	}
	tr := Transition{
		Event:     ev,
		From:      from,
		To:        to,
		Iteration: iteration,
		Context:   maps.Clone(ctx),
		At:        time.Now(),
	}
	m.state = to
	m.history = append(m.history, tr)
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs.OnTransition(tr)
	}
	return tr, nil
}

// Next returns the state reached by firing ev from s.
func Next(s State, ev Event) (State, bool) {
	if s.IsTerminal() {
		return "", false
	}
	switch ev {
	case EventCancel:
		return Cancelled, true
	case EventFatal:
		return Error, true
	}
	to, ok := table[edge{ev, s}]
	return to, ok
}

// IsTerminal reports whether no event is accepted from s.
func (s State) IsTerminal() bool {
	return s == Complete || s == Cancelled || s == Error
}

// OnTransition implements Observer.
func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// Observers fans a transition out to several observers in order.
func Observers(obs ...Observer) Observer {
	return ObserverFunc(func(t Transition) {
		for _, o := range obs {
			if o != nil {
				o.OnTransition(t)
			}
		}
	})
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("statemachine: illegal transition: event %q from state %q", e.Event, e.From)
}

// Unwrap returns ErrIllegalTransition.
func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
