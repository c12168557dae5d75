// Package guardrails implements the loop's policy checks: a failure tracker
// that blocks repeated identical failing calls, a stagnation detector that
// flags runs whose progress metrics stopped improving, and an iteration warner
// that nudges the model as the iteration budget runs out. Only the failure
// tracker can prevent a call from running; the other two produce advisory
// text.
package guardrails

const (
	// DefaultSameFailureLimit blocks the third identical failing attempt.
	DefaultSameFailureLimit = 2
	// DefaultStagnationWindow is the number of progress snapshots compared.
	DefaultStagnationWindow = 3
)

// Direction tells the stagnation detector which way a metric improves.
type Direction string

const (
	// HigherIsBetter marks metrics that improve as they grow (gain, margin).
	HigherIsBetter Direction = "higher"
	// LowerIsBetter marks metrics that improve as they shrink (error, noise).
	LowerIsBetter Direction = "lower"
)

// Config parameterizes a Manager. Zero values select defaults.
type Config struct {
	// SameFailureLimit is the number of identical failures after which the
	// next identical attempt is blocked.
	SameFailureLimit int
	// StagnationWindow is the capacity of the progress snapshot window.
	StagnationWindow int
	// MaxIterations is the loop iteration budget.
	MaxIterations int
	// SoftWarningAt is the iteration from which the warner speaks up. Zero
	// means two-thirds of MaxIterations, rounded up.
	SoftWarningAt int
	// MetricDirections lists the tracked metrics. Metrics absent from the
	// table are ignored; an empty table disables stagnation detection.
	MetricDirections map[string]Direction
	// MinImprovement is the relative change a metric must exceed to count as
	// an improvement. Zero means any strict improvement counts.
	MinImprovement float64
}

func (c Config) withDefaults() Config {
	if c.SameFailureLimit <= 0 {
		c.SameFailureLimit = DefaultSameFailureLimit
	}
	if c.StagnationWindow <= 0 {
		c.StagnationWindow = DefaultStagnationWindow
	}
	if c.SoftWarningAt <= 0 && c.MaxIterations > 0 {
		c.SoftWarningAt = (2*c.MaxIterations + 2) / 3
	}
	if c.MinImprovement < 0 {
		c.MinImprovement = 0
	}
	return c
}
