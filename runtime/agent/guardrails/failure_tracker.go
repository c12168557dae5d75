package guardrails

import "sync"

type (
	// FailureTracker counts failures per (tool, target, fingerprint) key and
	// blocks a key once its count reaches the limit. State is partitioned by
	// target, each partition guarded by its own lock, so concurrent calls on
	// different targets never contend.
	FailureTracker struct {
		limit   int
		targets sync.Map // target -> *targetFailures
	}

	targetFailures struct {
		mu     sync.Mutex
		counts map[failureKey]int
	}

	failureKey struct {
		tool        string
		fingerprint string
	}
)

// NewFailureTracker returns a tracker blocking after limit identical failures.
func NewFailureTracker(limit int) *FailureTracker {
	if limit <= 0 {
		limit = DefaultSameFailureLimit
	}
	return &FailureTracker{limit: limit}
}

// ShouldBlock reports whether the key already failed limit times.
func (f *FailureTracker) ShouldBlock(toolName, target, fingerprint string) bool {
	return f.Count(toolName, target, fingerprint) >= f.limit
}

// Count returns the current failure count for the key.
func (f *FailureTracker) Count(toolName, target, fingerprint string) int {
	v, ok := f.targets.Load(target)
	if !ok {
		return 0
	}
	tf := v.(*targetFailures)
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.counts[failureKey{toolName, fingerprint}]
}

// RecordAttempt increments the key on failure. A success clears every key of
// the target because the resource changed; for calls without a target only
// the exact key is cleared.
func (f *FailureTracker) RecordAttempt(toolName, target, fingerprint string, success bool) {
	v, _ := f.targets.LoadOrStore(target, &targetFailures{counts: make(map[failureKey]int)})
	tf := v.(*targetFailures)
	tf.mu.Lock()
	defer tf.mu.Unlock()
	key := failureKey{toolName, fingerprint}
	switch {
	case !success:
		tf.counts[key]++
	case target == "":
		delete(tf.counts, key)
	default:
		clear(tf.counts)
	}
}
