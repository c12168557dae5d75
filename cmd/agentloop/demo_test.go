package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitpilot/agentloop/features/trace/sqlite"
	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
	"github.com/circuitpilot/agentloop/runtime/agent/loop"
	"github.com/circuitpilot/agentloop/runtime/agent/model"
	"github.com/circuitpilot/agentloop/runtime/agent/reminder"
	"github.com/circuitpilot/agentloop/runtime/agent/statemachine"
	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
)

func runDemo(t *testing.T, cfg loop.Config, opts ...loop.Option) (*loop.State, *bench) {
	t.Helper()
	b := newBench()
	reg, err := b.registry()
	require.NoError(t, err)
	st, err := loop.New(newScriptedModel("amp.cir", 0), reg, opts...).Run(
		context.Background(),
		initialMessages(defaultPrompt),
		nil, cancel.New(), cfg,
	)
	require.NoError(t, err)
	return st, b
}

func TestInitialMessagesExplainReminders(t *testing.T) {
	msgs := initialMessages("raise the gain")
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, reminder.Explanation)
	assert.Equal(t, model.RoleUser, msgs[1].Role)
	assert.Equal(t, "raise the gain", msgs[1].Content)
}

func TestScriptedSessionCompletes(t *testing.T) {
	st, b := runDemo(t, loop.DefaultConfig())

	assert.Equal(t, statemachine.Complete, st.Status)
	assert.False(t, st.Finalized)
	assert.Equal(t, 4, st.Iteration)
	assert.Len(t, st.ToolCallLog, 6)
	assert.Empty(t, st.Errors)
	assert.Contains(t, st.FinalContent, "20.00 dB")
	assert.Equal(t, 100e3, b.netlists["amp.cir"]["R2"])
	assert.Positive(t, st.Usage.TotalTokens)
}

func TestScriptedSessionFinalizes(t *testing.T) {
	cfg := loop.DefaultConfig()
	cfg.MaxIterations = 2
	st, _ := runDemo(t, cfg)

	assert.Equal(t, statemachine.Complete, st.Status)
	assert.True(t, st.Finalized)
	assert.Equal(t, 2, st.Iteration)
	assert.True(t, strings.HasPrefix(st.FinalContent, "Stopping here. After 2 tuning steps"))
	assert.Contains(t, st.FinalContent, "13.44 dB")
}

func TestScriptedSessionRecordsSpans(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "spans.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	rec := telemetry.NewRecorder(store)

	cfg := loop.DefaultConfig()
	cfg.RunID = "demo-run"
	_, _ = runDemo(t, cfg, loop.WithRecorder(rec))
	require.NoError(t, rec.Close(context.Background()))

	traces, err := store.RecentTraces(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, traces, 1)

	var out bytes.Buffer
	require.NoError(t, showTrace(context.Background(), &out, store, traces[0].TraceID))
	assert.Contains(t, out.String(), "run [success]")
	assert.Contains(t, out.String(), "  cycle [success]")
	assert.Contains(t, out.String(), "tool=simulate")

	out.Reset()
	require.NoError(t, listTraces(context.Background(), &out, store, 5))
	assert.Contains(t, out.String(), traces[0].TraceID)
}

func TestEditRejectsUnknownComponent(t *testing.T) {
	b := newBench()
	reg, err := b.registry()
	require.NoError(t, err)
	res, err := reg.Execute(context.Background(), "edit_netlist", map[string]any{"path": "amp.cir", "component": "R7", "value": 1.0}, cancel.New())
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = reg.Execute(context.Background(), "edit_netlist", map[string]any{"path": "amp.cir", "component": "C1", "value": 1.0}, cancel.New())
	require.Error(t, err, "schema rejects non-resistors")
}

func TestScriptedModelStopsOnCancel(t *testing.T) {
	m := newScriptedModel("amp.cir", 20*time.Millisecond)
	token := cancel.New()
	var got []string
	obs := model.ObserverFunc(func(d model.Delta) {
		got = append(got, d.Text)
		token.Trigger(cancel.ReasonUserRequested)
	})
	_, err := m.Call(context.Background(), model.Request{Messages: []*model.Message{{Role: model.RoleUser, Content: "go"}}}, obs, token)
	require.ErrorIs(t, err, cancel.ErrCancelled)
	assert.Len(t, got, 1)
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_iterations: 7\n"), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "config"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "max_iterations: 7")
	assert.Contains(t, out.String(), "tool_timeout: 1m0s")
}

func TestRunCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "spans.db")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--json", "run", "--delay", "0s", "--trace-db", db, "--max-iterations", "3"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "complete after 3 iterations")
	assert.Contains(t, out.String(), "finalized")

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"traces", "--trace-db", db})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "TRACE")
}
