// Package event carries orchestration progress between components. The
// fleet and pipeline publish events on a Bus; the progress log and the
// notifier subscribe to them.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "phase.completed".
	EventType() string
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeRunStarted         = "run.started"
	TypeRunCompleted       = "run.completed"
	TypeRunInterrupted     = "run.interrupted"
	TypeIssueStarted       = "issue.started"
	TypeIssueCompleted     = "issue.completed"
	TypePhaseStarted       = "phase.started"
	TypePhaseCompleted     = "phase.completed"
	TypeGateEvaluated      = "gate.evaluated"
	TypeTaskCompleted      = "task.completed"
	TypeBudgetWarning      = "budget.warning"
	TypeDependencyConflict = "dependency.conflict"
	TypePRCreated          = "pr.created"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Run Events
// -----------------------------------------------------------------------------

// RunStartedEvent is emitted once a fleet run has resolved its issues.
type RunStartedEvent struct {
	baseEvent
	RunID  string `json:"runId"`
	Issues []int  `json:"issues"`
	Resume bool   `json:"resume"`
}

// NewRunStartedEvent creates a RunStartedEvent.
func NewRunStartedEvent(runID string, issues []int, resume bool) RunStartedEvent {
	return RunStartedEvent{baseEvent: newBaseEvent(TypeRunStarted), RunID: runID, Issues: issues, Resume: resume}
}

// RunCompletedEvent is emitted when every issue of a run reached an outcome.
type RunCompletedEvent struct {
	baseEvent
	RunID        string `json:"runId"`
	PRsCreated   int    `json:"prsCreated"`
	CodeDoneNoPR int    `json:"codeDoneNoPr"`
	Failed       int    `json:"failed"`
	Success      bool   `json:"success"`
	TotalTokens  int64  `json:"totalTokens"`
}

// NewRunCompletedEvent creates a RunCompletedEvent.
func NewRunCompletedEvent(runID string, prs, noPR, failed int, success bool, tokens int64) RunCompletedEvent {
	return RunCompletedEvent{
		baseEvent:    newBaseEvent(TypeRunCompleted),
		RunID:        runID,
		PRsCreated:   prs,
		CodeDoneNoPR: noPR,
		Failed:       failed,
		Success:      success,
		TotalTokens:  tokens,
	}
}

// RunInterruptedEvent is emitted by the shutdown handler.
type RunInterruptedEvent struct {
	baseEvent
	RunID      string `json:"runId"`
	Reason     string `json:"reason"`
	Signal     string `json:"signal,omitempty"`
	InProgress []int  `json:"inProgress"`
}

// NewRunInterruptedEvent creates a RunInterruptedEvent.
func NewRunInterruptedEvent(runID, reason, signal string, inProgress []int) RunInterruptedEvent {
	return RunInterruptedEvent{
		baseEvent:  newBaseEvent(TypeRunInterrupted),
		RunID:      runID,
		Reason:     reason,
		Signal:     signal,
		InProgress: inProgress,
	}
}

// -----------------------------------------------------------------------------
// Issue Events
// -----------------------------------------------------------------------------

// IssueStartedEvent is emitted when an issue pipeline begins.
type IssueStartedEvent struct {
	baseEvent
	Issue    int    `json:"issue"`
	Title    string `json:"title"`
	Branch   string `json:"branch"`
	Worktree string `json:"worktree"`
}

// NewIssueStartedEvent creates an IssueStartedEvent.
func NewIssueStartedEvent(issue int, title, branch, worktree string) IssueStartedEvent {
	return IssueStartedEvent{
		baseEvent: newBaseEvent(TypeIssueStarted),
		Issue:     issue,
		Title:     title,
		Branch:    branch,
		Worktree:  worktree,
	}
}

// IssueCompletedEvent is emitted when an issue pipeline reaches a terminal
// status.
type IssueCompletedEvent struct {
	baseEvent
	Issue  int    `json:"issue"`
	Status string `json:"status"`
	PRURL  string `json:"prUrl,omitempty"`
	Error  string `json:"error,omitempty"`
	Tokens int64  `json:"tokens"`
}

// NewIssueCompletedEvent creates an IssueCompletedEvent.
func NewIssueCompletedEvent(issue int, status, prURL, errMsg string, tokens int64) IssueCompletedEvent {
	return IssueCompletedEvent{
		baseEvent: newBaseEvent(TypeIssueCompleted),
		Issue:     issue,
		Status:    status,
		PRURL:     prURL,
		Error:     errMsg,
		Tokens:    tokens,
	}
}

// -----------------------------------------------------------------------------
// Phase Events
// -----------------------------------------------------------------------------

// PhaseStartedEvent is emitted before a phase executor runs.
type PhaseStartedEvent struct {
	baseEvent
	Issue int    `json:"issue"`
	Phase int    `json:"phase"`
	Name  string `json:"name"`
}

// NewPhaseStartedEvent creates a PhaseStartedEvent.
func NewPhaseStartedEvent(issue, phase int, name string) PhaseStartedEvent {
	return PhaseStartedEvent{baseEvent: newBaseEvent(TypePhaseStarted), Issue: issue, Phase: phase, Name: name}
}

// PhaseCompletedEvent is emitted after a phase and its gate finished.
type PhaseCompletedEvent struct {
	baseEvent
	Issue    int           `json:"issue"`
	Phase    int           `json:"phase"`
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"durationNs"`
	Tokens   int64         `json:"tokens"`
	Error    string        `json:"error,omitempty"`
}

// NewPhaseCompletedEvent creates a PhaseCompletedEvent.
func NewPhaseCompletedEvent(issue, phase int, name string, success bool, d time.Duration, tokens int64, errMsg string) PhaseCompletedEvent {
	return PhaseCompletedEvent{
		baseEvent: newBaseEvent(TypePhaseCompleted),
		Issue:     issue,
		Phase:     phase,
		Name:      name,
		Success:   success,
		Duration:  d,
		Tokens:    tokens,
		Error:     errMsg,
	}
}

// GateEvaluatedEvent reports a gate verdict.
type GateEvaluatedEvent struct {
	baseEvent
	Issue    int      `json:"issue"`
	Phase    int      `json:"phase"`
	Gate     string   `json:"gate"`
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// NewGateEvaluatedEvent creates a GateEvaluatedEvent.
func NewGateEvaluatedEvent(issue, phase int, gate, status string, warnings, errs []string) GateEvaluatedEvent {
	return GateEvaluatedEvent{
		baseEvent: newBaseEvent(TypeGateEvaluated),
		Issue:     issue,
		Phase:     phase,
		Gate:      gate,
		Status:    status,
		Warnings:  warnings,
		Errors:    errs,
	}
}

// TaskCompletedEvent reports one implementation task.
type TaskCompletedEvent struct {
	baseEvent
	Issue   int    `json:"issue"`
	TaskID  string `json:"taskId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(issue int, taskID string, success bool, errMsg string) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent: newBaseEvent(TypeTaskCompleted),
		Issue:     issue,
		TaskID:    taskID,
		Success:   success,
		Error:     errMsg,
	}
}

// -----------------------------------------------------------------------------
// Budget, Dependency and PR Events
// -----------------------------------------------------------------------------

// BudgetWarningEvent is emitted once an issue crosses its warning fraction.
type BudgetWarningEvent struct {
	baseEvent
	Issue int   `json:"issue"`
	Spent int64 `json:"spent"`
	Limit int64 `json:"limit"`
}

// NewBudgetWarningEvent creates a BudgetWarningEvent.
func NewBudgetWarningEvent(issue int, spent, limit int64) BudgetWarningEvent {
	return BudgetWarningEvent{baseEvent: newBaseEvent(TypeBudgetWarning), Issue: issue, Spent: spent, Limit: limit}
}

// DependencyConflictEvent is emitted when merging a dependency branch
// conflicts.
type DependencyConflictEvent struct {
	baseEvent
	Issue    int      `json:"issue"`
	Branch   string   `json:"branch"`
	Files    []string `json:"files"`
	Resolved bool     `json:"resolved"`
}

// NewDependencyConflictEvent creates a DependencyConflictEvent.
func NewDependencyConflictEvent(issue int, branch string, files []string, resolved bool) DependencyConflictEvent {
	return DependencyConflictEvent{
		baseEvent: newBaseEvent(TypeDependencyConflict),
		Issue:     issue,
		Branch:    branch,
		Files:     files,
		Resolved:  resolved,
	}
}

// PRCreatedEvent is emitted after a pull request was opened.
type PRCreatedEvent struct {
	baseEvent
	Issue  int    `json:"issue"`
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// NewPRCreatedEvent creates a PRCreatedEvent.
func NewPRCreatedEvent(issue, number int, url string) PRCreatedEvent {
	return PRCreatedEvent{baseEvent: newBaseEvent(TypePRCreated), Issue: issue, Number: number, URL: url}
}
