package guardrails

import "fmt"

// IterationWarning returns the soft warning for the given iteration, if any.
// It speaks up once iteration reaches softWarningAt; a non-positive
// softWarningAt or maxIterations disables it.
func IterationWarning(iteration, maxIterations, softWarningAt int) (string, bool) {
	if maxIterations <= 0 || softWarningAt <= 0 || iteration < softWarningAt {
		return "", false
	}
	remaining := max(maxIterations-iteration, 0)
	if remaining <= 1 {
		return fmt.Sprintf(
			"Iteration budget nearly exhausted (%d of %d used). Finish the current change and give your final answer instead of starting new work.",
			iteration, maxIterations), true
	}
	return fmt.Sprintf(
		"You have used %d of %d iterations; %d remain. Prioritize the most promising change and start converging on a final answer.",
		iteration, maxIterations, remaining), true
}

const stagnationWarning = "Recent iterations did not improve any tracked metric. Stop repeating similar adjustments: revisit the approach, try a structurally different change, or summarize what was achieved."
