package loop

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/circuitpilot/agentloop/runtime/agent/guardrails"
	"github.com/circuitpilot/agentloop/runtime/agent/toolcall"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultMaxIterations       = 20
	DefaultOverallTimeout      = 10 * time.Minute
	DefaultFinalizationTimeout = 2 * time.Minute
)

// DefaultFinalizationPrompt asks the model to wrap up once the run is out of
// iterations or time.
const DefaultFinalizationPrompt = "You have reached the limit of this session. Stop calling tools. " +
	"Summarize what you accomplished, the current state of the work, and what remains to be done."

// Config bounds one run. It is loaded from YAML; durations are written as
// Go duration strings ("30s", "2m").
type Config struct {
	MaxIterations       int      `yaml:"max_iterations"`
	OverallTimeout      Duration `yaml:"overall_timeout"`
	FinalizationTimeout Duration `yaml:"finalization_timeout"`
	// CancelGracePeriod bounds how long in-flight work gets to unwind after
	// the cancellation token fires.
	CancelGracePeriod Duration `yaml:"cancel_grace_period"`
	ToolTimeout       Duration `yaml:"tool_timeout"`
	MaxParallelTools  int      `yaml:"max_parallel_tools"`

	SameFailureLimit int `yaml:"same_failure_limit"`
	StagnationWindow int `yaml:"stagnation_window"`
	// SoftWarningAt is the iteration from which budget warnings are injected.
	// Zero means two-thirds of MaxIterations.
	SoftWarningAt    int                             `yaml:"soft_warning_at"`
	MetricDirections map[string]guardrails.Direction `yaml:"metric_directions"`
	MinImprovement   float64                         `yaml:"min_improvement"`

	FinalizationPrompt string `yaml:"finalization_prompt"`

	// RunID fixes the identifier of the run so stream and trace consumers can
	// subscribe before it starts. Empty generates one.
	RunID string `yaml:"-"`
}

// Duration is a time.Duration that reads and writes YAML duration strings.
type Duration time.Duration

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// LoadConfig decodes YAML from r over DefaultConfig. Unknown fields are
// rejected.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// LoadConfigFile reads the YAML config at path.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	cfg, err := LoadConfig(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports settings that cannot be defaulted. Zero values are
// valid and select defaults.
func (c Config) Validate() error {
	var errs []error
	if c.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations))
	}
	for name, d := range map[string]Duration{
		"overall_timeout":      c.OverallTimeout,
		"finalization_timeout": c.FinalizationTimeout,
		"cancel_grace_period":  c.CancelGracePeriod,
		"tool_timeout":         c.ToolTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	for _, n := range []struct {
		name string
		v    int
	}{
		{"max_parallel_tools", c.MaxParallelTools},
		{"same_failure_limit", c.SameFailureLimit},
		{"stagnation_window", c.StagnationWindow},
		{"soft_warning_at", c.SoftWarningAt},
	} {
		if n.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", n.name, n.v))
		}
	}
	for metric, dir := range c.MetricDirections {
		if dir != guardrails.HigherIsBetter && dir != guardrails.LowerIsBetter {
			errs = append(errs, fmt.Errorf("metric_directions[%s]: want %q or %q, got %q", metric, guardrails.HigherIsBetter, guardrails.LowerIsBetter, dir))
		}
	}
	if c.MinImprovement < 0 {
		errs = append(errs, fmt.Errorf("min_improvement must not be negative, got %g", c.MinImprovement))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.OverallTimeout == 0 {
		c.OverallTimeout = Duration(DefaultOverallTimeout)
	}
	if c.FinalizationTimeout == 0 {
		c.FinalizationTimeout = Duration(DefaultFinalizationTimeout)
	}
	if c.CancelGracePeriod == 0 {
		c.CancelGracePeriod = Duration(toolcall.DefaultCancelGracePeriod)
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = Duration(toolcall.DefaultToolTimeout)
	}
	if c.MaxParallelTools == 0 {
		c.MaxParallelTools = toolcall.DefaultMaxParallelTools
	}
	if c.SameFailureLimit == 0 {
		c.SameFailureLimit = guardrails.DefaultSameFailureLimit
	}
	if c.StagnationWindow == 0 {
		c.StagnationWindow = guardrails.DefaultStagnationWindow
	}
	if c.FinalizationPrompt == "" {
		c.FinalizationPrompt = DefaultFinalizationPrompt
	}
	return c
}

func (c Config) guardrails() guardrails.Config {
	return guardrails.Config{
		SameFailureLimit: c.SameFailureLimit,
		StagnationWindow: c.StagnationWindow,
		MaxIterations:    c.MaxIterations,
		SoftWarningAt:    c.SoftWarningAt,
		MetricDirections: c.MetricDirections,
		MinImprovement:   c.MinImprovement,
	}
}

func (c Config) toolcall() toolcall.Config {
	return toolcall.Config{
		ToolTimeout:       time.Duration(c.ToolTimeout),
		MaxParallelTools:  c.MaxParallelTools,
		CancelGracePeriod: time.Duration(c.CancelGracePeriod),
	}
}

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler. Plain integers are read as
// seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var secs int64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}
