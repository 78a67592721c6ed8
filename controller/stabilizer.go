package controller

import "sync"

// Stabilizer applies hysteresis to the displayed label: a new best class
// must win HysteresisFrames consecutive results before it is shown.
type Stabilizer struct {
	mu         sync.Mutex
	frames     int
	current    int
	candidate  int
	count      int
	hasCurrent bool
}

// NewStabilizer creates a stabilizer. frames <= 1 disables hysteresis.
func NewStabilizer(frames int) *Stabilizer {
	return &Stabilizer{frames: frames, candidate: -1}
}

// Decide reports whether a result whose best class is index should be
// displayed.
//
// Arguments:
//   - index: The best class of the latest result.
//
// Returns:
//   - bool: True when index is the displayed class, or has just become it.
func (s *Stabilizer) Decide(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frames <= 1 || !s.hasCurrent {
		s.current, s.hasCurrent = index, true
		s.candidate, s.count = -1, 0
		return true
	}

	if index == s.current {
		s.candidate, s.count = -1, 0
		return true
	}

	if index != s.candidate {
		s.candidate, s.count = index, 0
	}
	s.count++
	if s.count >= s.frames {
		s.current = index
		s.candidate, s.count = -1, 0
		return true
	}
	return false
}

// Current returns the displayed class, or -1 before the first result.
func (s *Stabilizer) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCurrent {
		return -1
	}
	return s.current
}
