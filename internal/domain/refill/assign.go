package refill

import (
	"errors"
	"strings"
	"sync/atomic"
)

// Candidate is a pharmacist eligible for assignment with their current load
type Candidate struct {
	ID      string
	Pending int
}

// Assigner chooses the pharmacist for a new request. It returns the empty
// string when there are no candidates.
type Assigner interface {
	Assign(candidates []Candidate) string
}

// FirstAvailable always picks the first candidate
type FirstAvailable struct{}

// Assign picks the first candidate
func (FirstAvailable) Assign(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].ID
}

// RoundRobin rotates through candidates across calls
type RoundRobin struct {
	next atomic.Uint64
}

// Assign picks the next candidate in rotation
func (r *RoundRobin) Assign(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	i := r.next.Add(1) - 1
	return candidates[i%uint64(len(candidates))].ID
}

// LeastLoaded picks the candidate with the fewest pending requests, earliest on ties
type LeastLoaded struct{}

// Assign picks the least loaded candidate
func (LeastLoaded) Assign(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Pending < best.Pending {
			best = c
		}
	}
	return best.ID
}

// NewAssigner returns the strategy with the given name
func NewAssigner(name string) (Assigner, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "first":
		return FirstAvailable{}, nil
	case "round-robin":
		return &RoundRobin{}, nil
	case "least-loaded":
		return LeastLoaded{}, nil
	}
	return nil, errors.New("unknown pharmacist assignment strategy: " + name)
}
