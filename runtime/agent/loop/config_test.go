package loop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/circuitpilot/agentloop/runtime/agent/guardrails"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
	assert.Equal(t, Duration(DefaultOverallTimeout), cfg.OverallTimeout)
	assert.Equal(t, Duration(60*time.Second), cfg.ToolTimeout)
	assert.Equal(t, 4, cfg.MaxParallelTools)
	assert.Equal(t, guardrails.DefaultSameFailureLimit, cfg.SameFailureLimit)
	assert.Equal(t, guardrails.DefaultStagnationWindow, cfg.StagnationWindow)
	assert.Equal(t, DefaultFinalizationPrompt, cfg.FinalizationPrompt)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	doc := `
max_iterations: 8
overall_timeout: 90s
tool_timeout: 15
max_parallel_tools: 2
metric_directions:
  gain_db: higher
  thd_pct: lower
min_improvement: 0.01
`
	cfg, err := LoadConfig(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxIterations)
	assert.Equal(t, Duration(90*time.Second), cfg.OverallTimeout)
	assert.Equal(t, Duration(15*time.Second), cfg.ToolTimeout, "integers are seconds")
	assert.Equal(t, 2, cfg.MaxParallelTools)
	assert.Equal(t, guardrails.LowerIsBetter, cfg.MetricDirections["thd_pct"])
	assert.InDelta(t, 0.01, cfg.MinImprovement, 1e-9)
	assert.Equal(t, Duration(DefaultFinalizationTimeout), cfg.FinalizationTimeout, "unset fields take defaults")

	gc := cfg.guardrails()
	assert.Equal(t, 8, gc.MaxIterations)
	tc := cfg.toolcall()
	assert.Equal(t, 15*time.Second, tc.ToolTimeout)
}

func TestLoadConfigEmpty(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "max_iteration: 3\n",
		"bad duration":      "tool_timeout: soon\n",
		"negative duration": "tool_timeout: -1s\n",
		"negative max":      "max_iterations: -2\n",
		"bad direction":     "metric_directions:\n  gain: up\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
	_, err := LoadConfig(strings.NewReader("max_iterations: -2\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_iterations: 3\ncancel_grace_period: 500ms\n"), 0o600))
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.CancelGracePeriod)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDurationMarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(Config{OverallTimeout: Duration(2 * time.Minute)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "overall_timeout: 2m0s")
}
