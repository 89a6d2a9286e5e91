package cmd

import (
	"fmt"

	"github.com/Iron-Ham/convoy/internal/errors"
)

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// FormatError renders a command failure for stderr. Errors not marked safe
// for display point at the debug log, which has the full context.
func FormatError(err error) string {
	msg := "Error: " + err.Error()
	if !errors.IsUserFacing(err) {
		msg += "\nRun 'convoy logs --level debug' for details."
	}
	return msg
}
