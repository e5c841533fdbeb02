package service

import (
	"errors"
	"strings"
)

var (
	// ErrRuleNotFound - no rule exists with the given id
	ErrRuleNotFound = errors.New("rate limit rule not found")

	// ErrRuleConflict - an enabled rule already covers the same
	// (path, method, tier) triple
	ErrRuleConflict = errors.New("an enabled rule already exists for this path, method and user tier")
)

// ValidationError carries every problem found with a rule payload so admin
// callers can fix them all in one round trip.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid rule: " + strings.Join(e.Issues, "; ")
}
