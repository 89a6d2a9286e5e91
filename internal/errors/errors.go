// Package errors provides centralized error definitions and error handling utilities
// for convoy. It defines sentinel errors per subsystem, domain-specific error
// types that carry pipeline context, and classification helpers.
//
// # Error Types
//
// Domain-specific errors:
//   - PipelineError: a failure inside one issue's phase pipeline
//   - GitError: a failure of the external git binary (worktrees, branches, merges)
//
// Semantic errors:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// Structured errors that belong to a single component (budget exceeded,
// dependency cycles, merge conflicts) live next to that component and wrap the
// sentinels declared here, so callers can test them with errors.Is without
// importing the component.
//
// # Usage
//
//	err := errors.NewPipelineError("gate rejected analysis", errors.ErrGateFailed).
//		WithIssue(42).WithPhase(1, "Analysis")
//
//	if errors.Is(err, errors.ErrGateFailed) { ... }
//
//	var pe *errors.PipelineError
//	if errors.As(err, &pe) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Checkpoint-related sentinel errors
var (
	// ErrCheckpointCorrupted indicates that a checkpoint file could not be decoded.
	ErrCheckpointCorrupted = New("checkpoint data corrupted")
	// ErrCheckpointWrite indicates that persisting a checkpoint failed.
	ErrCheckpointWrite = New("checkpoint write failed")
	// ErrRunLocked indicates that another fleet run holds the state directory.
	ErrRunLocked = New("state directory is locked by another run")
)

// Pipeline-related sentinel errors
var (
	// ErrGateFailed indicates that a phase gate rejected a transition.
	ErrGateFailed = New("phase gate failed")
	// ErrPhaseFailed indicates that a phase executor failed.
	ErrPhaseFailed = New("phase failed")
	// ErrBudgetExceeded indicates that an issue spent more tokens than allowed.
	ErrBudgetExceeded = New("token budget exceeded")
	// ErrInterrupted indicates that the run was interrupted by a signal.
	ErrInterrupted = New("run interrupted")
)

// Planning-related sentinel errors
var (
	// ErrDependencyCycle indicates a circular dependency between tasks or issues.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrDanglingDependency indicates a dependency on an id that does not exist.
	ErrDanglingDependency = New("dependency references unknown id")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrMergeConflict indicates that a merge conflict occurred.
	ErrMergeConflict = New("merge conflict")
)

// Platform-related sentinel errors
var (
	// ErrPlatformUnavailable indicates the source-control platform CLI is missing or unauthenticated.
	ErrPlatformUnavailable = New("platform client unavailable")
	// ErrPRCreateFailed indicates that pull request creation failed.
	ErrPRCreateFailed = New("pull request creation failed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ConvoyError is the base interface for convoy errors.
// It extends the standard error interface with classification methods.
type ConvoyError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatPrefixed renders "<kind> [k=v, ...]: message: cause".
func formatPrefixed(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// PipelineError represents a failure inside one issue's phase pipeline.
//
// Example:
//
//	err := errors.NewPipelineError("executor failed", cause).WithIssue(7).WithPhase(3, "Implementation")
//	fmt.Println(err) // "pipeline error [issue=7, phase=3 Implementation]: executor failed: ..."
type PipelineError struct {
	baseError
	Issue     int
	PhaseID   int
	PhaseName string
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(message string, cause error) *PipelineError {
	return &PipelineError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			userFacing: true,
		},
	}
}

// WithIssue adds the issue number to the error context.
func (e *PipelineError) WithIssue(n int) *PipelineError {
	e.Issue = n
	return e
}

// WithPhase adds the phase id and name to the error context.
func (e *PipelineError) WithPhase(id int, name string) *PipelineError {
	e.PhaseID = id
	e.PhaseName = name
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *PipelineError) WithRetryable(r bool) *PipelineError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *PipelineError) Error() string {
	var parts []string
	if e.Issue != 0 {
		parts = append(parts, fmt.Sprintf("issue=%d", e.Issue))
	}
	if e.PhaseID != 0 {
		parts = append(parts, strings.TrimSpace(fmt.Sprintf("phase=%d %s", e.PhaseID, e.PhaseName)))
	}
	return formatPrefixed("pipeline error", parts, e.message, e.cause)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("merge failed", errors.ErrMergeConflict)
//	err = err.WithBranch("convoy/issue-12").WithWorktree("/path/to/worktree")
type GitError struct {
	baseError
	Args      []string
	Branch    string
	Worktree  string
	GitOutput string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			userFacing: true,
		},
	}
}

// WithArgs records the git arguments that failed.
func (e *GitError) WithArgs(args ...string) *GitError {
	e.Args = args
	return e
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if len(e.Args) > 0 {
		parts = append(parts, fmt.Sprintf("cmd=git %s", strings.Join(e.Args, " ")))
	}
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	msg := formatPrefixed("git error", parts, e.message, e.cause)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, strings.TrimSpace(e.GitOutput))
	}
	return msg
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause attaches the underlying error.
func (e *NotFoundError) WithCause(err error) *NotFoundError {
	e.cause = err
	return e
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidInput,
			userFacing: true,
		},
	}
}

// WithField records which field failed validation.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue records the rejected value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatPrefixed("validation error", parts, e.message, nil)
}

// TimeoutError represents an operation that exceeded its deadline.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts are retryable by default.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    fmt.Sprintf("%s timed out after %s", operation, duration),
			cause:      ErrTimeout,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return e.message
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. Budget and interruption signals are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrBudgetExceeded) || Is(err, ErrInterrupted) || Is(err, ErrCanceled) {
		return false
	}

	var convoyErr ConvoyError
	if As(err, &convoyErr) {
		return convoyErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var convoyErr ConvoyError
	if As(err, &convoyErr) {
		return convoyErr.IsUserFacing()
	}
	return false
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
