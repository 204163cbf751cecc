package policy

import (
	"fmt"
	"strings"
)

// FailMode decides what a check returns when the backing store cannot be reached or does
// not answer in time. The same mode applies to the rate limiter and the idempotency guard.
type FailMode int

const (
	// FailClosed treats an unavailable backend as a denial. This is the zero value.
	FailClosed FailMode = iota

	// FailOpen treats an unavailable backend as an allow. Only for best-effort use where
	// letting traffic through is preferable to rejecting it.
	FailOpen
)

// String returns the configuration name of the mode.
func (m FailMode) String() string {
	if m == FailOpen {
		return "open"
	}
	return "closed"
}

// ParseFailMode parses "closed" or "open" (case-insensitive). The empty string is closed.
func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "closed", "fail-closed":
		return FailClosed, nil
	case "open", "fail-open":
		return FailOpen, nil
	default:
		return FailClosed, fmt.Errorf("unknown fail mode %q", s)
	}
}
