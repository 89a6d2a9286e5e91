// Package gate validates phase output artifacts before the pipeline moves
// to the next phase. Every gate collects all violations it finds instead of
// stopping at the first one.
package gate

import (
	"fmt"
	"strings"
)

// Status is the outcome of a gate.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Result is the outcome of one or more gate validations.
type Result struct {
	Gate     string   `json:"gate"`
	Status   Status   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

func newResult(gate string) *Result {
	return &Result{Gate: gate, Status: StatusPass}
}

// Warnf records a warning. A warning never blocks a transition.
func (r *Result) Warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	if r.Status == StatusPass {
		r.Status = StatusWarn
	}
}

// Failf records an error and fails the result.
func (r *Result) Failf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Status = StatusFail
}

// Passed reports whether the transition is allowed.
func (r *Result) Passed() bool {
	return r.Status != StatusFail
}

// Merge folds other into r. The combined status is the worse of the two.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	for _, w := range other.Warnings {
		r.Warnf("%s", w)
	}
	for _, e := range other.Errors {
		r.Failf("%s", e)
	}
}

// Summary renders the errors, or the warnings when there are none, on one line.
func (r *Result) Summary() string {
	switch {
	case len(r.Errors) > 0:
		return fmt.Sprintf("%s gate failed: %s", r.Gate, strings.Join(r.Errors, "; "))
	case len(r.Warnings) > 0:
		return fmt.Sprintf("%s gate passed with warnings: %s", r.Gate, strings.Join(r.Warnings, "; "))
	default:
		return r.Gate + " gate passed"
	}
}
