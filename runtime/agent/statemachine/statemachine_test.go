package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fire(t *testing.T, m *Machine, evs ...Event) {
	t.Helper()
	for _, ev := range evs {
		_, err := m.Fire(ev, 0, nil)
		require.NoError(t, err, "event %s", ev)
	}
}

func TestToolCycleAndCompletion(t *testing.T) {
	var seen []Transition
	m := New(ObserverFunc(func(tr Transition) { seen = append(seen, tr) }))

	fire(t, m, EventStart, EventPromptReady,
		EventStreamStarted, EventResponseComplete, EventToolsDetected,
		EventToolDispatched, EventAllToolsSettled, EventResultsFolded)
	require.Equal(t, CallingLLM, m.State())

	fire(t, m, EventStreamStarted, EventResponseComplete, EventNoToolsDetected)
	require.Equal(t, Complete, m.State())
	require.Len(t, seen, 11)
	require.Equal(t, seen, m.History())
	assert.Equal(t, Idle, seen[0].From)
	assert.Equal(t, Preparing, seen[0].To)
	assert.Equal(t, Complete, seen[len(seen)-1].To)
}

func TestIllegalTransition(t *testing.T) {
	m := New(nil)
	_, err := m.Fire(EventToolsDetected, 0, nil)
	require.ErrorIs(t, err, ErrIllegalTransition)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, Idle, te.From)
	assert.Equal(t, EventToolsDetected, te.Event)
	assert.Equal(t, Idle, m.State(), "rejected events must not move the machine")
	assert.Empty(t, m.History())
}

func TestCancelAndFatalFromAnyNonTerminalState(t *testing.T) {
	paths := map[State][]Event{
		Idle:            nil,
		Preparing:       {EventStart},
		CallingLLM:      {EventStart, EventPromptReady},
		Streaming:       {EventStart, EventPromptReady, EventStreamStarted},
		ParsingResponse: {EventStart, EventPromptReady, EventStreamStarted, EventResponseComplete},
		ExecutingTools:  {EventStart, EventPromptReady, EventStreamStarted, EventResponseComplete, EventToolsDetected},
		WaitingTool:     {EventStart, EventPromptReady, EventStreamStarted, EventResponseComplete, EventToolsDetected, EventToolDispatched},
		Aggregating:     {EventStart, EventPromptReady, EventStreamStarted, EventResponseComplete, EventToolsDetected, EventToolDispatched, EventAllToolsSettled},
	}
	for state, path := range paths {
		for ev, want := range map[Event]State{EventCancel: Cancelled, EventFatal: Error} {
			t.Run(string(state)+"/"+string(ev), func(t *testing.T) {
				m := New(nil)
				fire(t, m, path...)
				require.Equal(t, state, m.State())
				tr, err := m.Fire(ev, 3, map[string]any{"reason": "x"})
				require.NoError(t, err)
				assert.Equal(t, want, tr.To)
				assert.Equal(t, 3, tr.Iteration)
			})
		}
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	events := []Event{EventStart, EventPromptReady, EventStreamStarted, EventResponseComplete,
		EventToolsDetected, EventNoToolsDetected, EventToolDispatched, EventAllToolsSettled,
		EventResultsFolded, EventCancel, EventFatal}
	for _, terminal := range []Event{EventCancel, EventFatal} {
		m := New(nil)
		fire(t, m, terminal)
		for _, ev := range events {
			_, err := m.Fire(ev, 0, nil)
			assert.ErrorIs(t, err, ErrIllegalTransition, "event %s after %s", ev, terminal)
		}
	}
}

func TestTransitionContextIsCopied(t *testing.T) {
	ctx := map[string]any{"tools": 2}
	m := New(nil)
	tr, err := m.Fire(EventStart, 0, ctx)
	require.NoError(t, err)
	ctx["tools"] = 5
	assert.Equal(t, 2, tr.Context["tools"])
}

func TestObserversFanOut(t *testing.T) {
	var a, b int
	m := New(Observers(
		ObserverFunc(func(Transition) { a++ }),
		nil,
		ObserverFunc(func(Transition) { b++ }),
	))
	fire(t, m, EventStart, EventPromptReady)
	assert.Equal(t, 2, a)
	assert.Equal(t, 2, b)
}
