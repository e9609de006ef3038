package refill

import (
	"errors"
	"fmt"
	"strings"

	"github.com/medtrack/go-medtrack/internal/apperr"
)

// ErrInvalidTransition is returned when the policy forbids an edge
var ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", apperr.ErrPreconditionFailed)

// Policy selects which status edges are allowed
type Policy string

const (
	// PolicyStrict moves forward only, allows rejecting any in-flight request
	// and treats re-entering the current status as a replay.
	PolicyStrict Policy = "strict"
	// PolicyPermissive allows any status to follow any other.
	PolicyPermissive Policy = "permissive"
)

// ParsePolicy parses a policy name; empty means strict
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyPermissive:
		return PolicyPermissive, nil
	}
	return "", errors.New("unknown refill transition policy: " + s)
}

var strictEdges = map[Status]map[Status]bool{
	StatusRequested: {
		StatusRequested:  true,
		StatusProcessing: true,
		StatusReady:      true,
		StatusDispensed:  true,
		StatusRejected:   true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusReady:      true,
		StatusDispensed:  true,
		StatusRejected:   true,
	},
	StatusReady: {
		StatusReady:     true,
		StatusDispensed: true,
		StatusRejected:  true,
	},
	StatusDispensed: {StatusDispensed: true},
	StatusRejected:  {StatusRejected: true},
}

// Allows reports whether the policy accepts moving from one status to another
func (p Policy) Allows(from, to Status) bool {
	if !knownStatuses[to] {
		return false
	}
	if p == PolicyPermissive {
		return true
	}
	return strictEdges[from][to]
}

// Check returns ErrInvalidTransition when the edge is not allowed
func (p Policy) Check(from, to Status) error {
	if !p.Allows(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
