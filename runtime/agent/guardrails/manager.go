package guardrails

import "strings"

// Manager composes the failure tracker, the stagnation detector and the
// iteration warner. It is safe for concurrent use by the parallel tool calls
// of one run; each run owns its own Manager.
type Manager struct {
	cfg        Config
	failures   *FailureTracker
	stagnation *StagnationDetector
}

// NewManager returns a manager configured by cfg.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		failures:   NewFailureTracker(cfg.SameFailureLimit),
		stagnation: NewStagnationDetector(cfg.StagnationWindow, cfg.MetricDirections, cfg.MinImprovement),
	}
}

// ShouldBlock reports whether the call must not run.
func (m *Manager) ShouldBlock(toolName, target, fingerprint string) bool {
	return m.failures.ShouldBlock(toolName, target, fingerprint)
}

// RecordAttempt records the outcome of a settled call.
func (m *Manager) RecordAttempt(toolName, target, fingerprint string, success bool) {
	m.failures.RecordAttempt(toolName, target, fingerprint, success)
}

// RecordProgress appends a snapshot of named metrics.
func (m *Manager) RecordProgress(metrics map[string]float64) {
	m.stagnation.Record(metrics)
}

// IsStagnating reports whether tracked metrics stopped improving.
func (m *Manager) IsStagnating() bool {
	return m.stagnation.IsStagnating()
}

// FailureLimit returns the configured same-failure limit.
func (m *Manager) FailureLimit() int { return m.cfg.SameFailureLimit }

// GetPromptInjection combines the stagnation and iteration warnings into a
// single advisory string.
func (m *Manager) GetPromptInjection(iteration int) (string, bool) {
	var parts []string
	if m.IsStagnating() {
		parts = append(parts, stagnationWarning)
	}
	if w, ok := IterationWarning(iteration, m.cfg.MaxIterations, m.cfg.SoftWarningAt); ok {
		parts = append(parts, w)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n\n"), true
}
