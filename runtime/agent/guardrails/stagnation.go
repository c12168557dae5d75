package guardrails

import (
	"maps"
	"math"
	"sync"
)

// StagnationDetector keeps a bounded window of progress snapshots and
// reports stagnation when none of the tracked metrics improved between the
// oldest and newest snapshot of a full window.
type StagnationDetector struct {
	mu         sync.Mutex
	capacity   int
	directions map[string]Direction
	threshold  float64
	window     []map[string]float64
}

// NewStagnationDetector returns a detector over a window of the given size.
func NewStagnationDetector(window int, directions map[string]Direction, minImprovement float64) *StagnationDetector {
	if window <= 0 {
		window = DefaultStagnationWindow
	}
	return &StagnationDetector{
		capacity:   window,
		directions: maps.Clone(directions),
		threshold:  minImprovement,
		window:     make([]map[string]float64, 0, window),
	}
}

// Record appends a snapshot, evicting the oldest one when the window is
// full. Snapshots carrying no tracked metric are ignored.
func (s *StagnationDetector) Record(metrics map[string]float64) {
	snap := make(map[string]float64, len(metrics))
	for name, v := range metrics {
		if _, ok := s.directions[name]; ok && !math.IsNaN(v) {
			snap[name] = v
		}
	}
	if len(snap) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) == s.capacity {
		copy(s.window, s.window[1:])
		s.window = s.window[:len(s.window)-1]
	}
	s.window = append(s.window, snap)
}

// IsStagnating reports whether the window is full and no tracked metric
// improved between its oldest and newest snapshot.
func (s *StagnationDetector) IsStagnating() bool {
	if len(s.directions) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) < s.capacity {
		return false
	}
	oldest, newest := s.window[0], s.window[len(s.window)-1]
	for name, dir := range s.directions {
		before, ok1 := oldest[name]
		after, ok2 := newest[name]
		if ok1 && ok2 && s.improved(dir, before, after) {
			return false
		}
	}
	return true
}

// Len returns the number of snapshots currently held.
func (s *StagnationDetector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}

func (s *StagnationDetector) improved(dir Direction, before, after float64) bool {
	gain := after - before
	if dir == LowerIsBetter {
		gain = -gain
	}
	if gain <= 0 {
		return false
	}
	if before == 0 {
		return gain > s.threshold
	}
	return gain/math.Abs(before) > s.threshold
}
