package workflow

import (
	"errors"
	"fmt"
)

// Step error kinds recorded in the durable step log.
const (
	ErrKindTerminal  = "terminal"
	ErrKindTransient = "transient"
)

// TerminalError marks a failure that no amount of retrying can fix.
// The orchestrator stops the run immediately instead of backing off.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err as a terminal failure. A nil err returns nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// Terminalf formats a terminal failure.
func Terminalf(format string, args ...any) error {
	return &TerminalError{Err: fmt.Errorf(format, args...)}
}

// IsTerminal reports whether err carries a terminal failure anywhere in
// its chain. Everything else is treated as transient and retried.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
