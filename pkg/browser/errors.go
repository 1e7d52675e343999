package browser

import (
	"fmt"
	"strings"
)

// StrategyAttempt records why one connection strategy did not produce a
// handle.
type StrategyAttempt struct {
	Strategy string
	Reason   string
}

// ConnectionError means no connection strategy produced a live browser. It
// is fatal to Start: the caller must retry or reconfigure.
type ConnectionError struct {
	Attempts []StrategyAttempt
}

// Error implements the error interface, naming every strategy attempted and
// why it failed.
func (e *ConnectionError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %s", a.Strategy, a.Reason)
	}
	return "no viable browser connection: " + strings.Join(parts, "; ")
}

// TeardownError wraps a failure during stop. It is logged for observability
// and never returned to the caller: teardown is always best effort.
type TeardownError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying failure.
func (e *TeardownError) Unwrap() error {
	return e.Err
}
