package fleet

import (
	"time"

	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/phase"
	"github.com/Iron-Ham/convoy/internal/pipeline"
)

// RunOptions selects the issues for one fleet run.
type RunOptions struct {
	// Issues are explicit issue numbers. When empty the platform is
	// queried with Labels and Milestone.
	Issues    []int
	Labels    []string
	Milestone string
	// Resume continues from existing checkpoints. Without it, an issue
	// with unfinished progress is rejected rather than silently resumed.
	Resume bool
	// MaxParallel overrides fleet.max_parallel_issues when positive.
	MaxParallel int
}

// CreatedPR is one pull request opened during the run.
type CreatedPR struct {
	Issue  int    `json:"issue"`
	Number int    `json:"number,omitempty"`
	URL    string `json:"url"`
}

// FailedIssue is an issue whose pipeline failed outright.
type FailedIssue struct {
	Issue     int      `json:"issue"`
	Phase     phase.ID `json:"phase,omitempty"`
	PhaseName string   `json:"phaseName,omitempty"`
	Error     string   `json:"error"`
}

// Result aggregates a fleet run. Every dispatched issue lands in exactly
// one of PRsCreated, CodeDoneNoPR and Failed.
type Result struct {
	RunID        string             `json:"runId"`
	Success      bool               `json:"success"`
	Issues       []*pipeline.Result `json:"issues"`
	PRsCreated   []CreatedPR        `json:"prsCreated"`
	CodeDoneNoPR []int              `json:"codeDoneNoPR"`
	Failed       []FailedIssue      `json:"failedIssues"`
	// Skipped issues were already completed before the run started.
	Skipped     []int         `json:"skipped,omitempty"`
	Interrupted bool          `json:"interrupted,omitempty"`
	Duration    time.Duration `json:"duration"`
	Tokens      budget.Totals `json:"tokens"`
}

// IssueRow is one line of a status listing.
type IssueRow struct {
	Number             int               `json:"number"`
	Title              string            `json:"title,omitempty"`
	Status             checkpoint.Status `json:"status"`
	Branch             string            `json:"branch,omitempty"`
	LastCompletedPhase phase.ID          `json:"lastCompletedPhase,omitempty"`
	Tokens             int64             `json:"tokens"`
	PRURL              string            `json:"prUrl,omitempty"`
	Error              string            `json:"error,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Status is a snapshot of the fleet checkpoint.
type Status struct {
	Project        string                    `json:"project"`
	RunID          string                    `json:"runId,omitempty"`
	ResumeCount    int                       `json:"resumeCount"`
	LastCheckpoint time.Time                 `json:"lastCheckpoint"`
	Issues         []IssueRow                `json:"issues"`
	Counts         map[checkpoint.Status]int `json:"counts"`
	TotalTokens    int64                     `json:"totalTokens"`
}

// PhaseSpend is token spend for one phase of one issue.
type PhaseSpend struct {
	Phase  phase.ID `json:"phase"`
	Name   string   `json:"name"`
	Tokens int64    `json:"tokens"`
}

// IssueReport details one issue in a Report.
type IssueReport struct {
	IssueRow
	CompletedPhases []phase.ID       `json:"completedPhases"`
	Phases          []PhaseSpend     `json:"phases"`
	Agents          map[string]int64 `json:"agents"`
	ResumeCount     int              `json:"resumeCount"`
	BudgetExceeded  bool             `json:"budgetExceeded,omitempty"`
}

// Report summarizes outcomes and token spend over every checkpointed issue.
type Report struct {
	Project      string        `json:"project"`
	Issues       []IssueReport `json:"issues"`
	PRsCreated   []CreatedPR   `json:"prsCreated"`
	CodeDoneNoPR []int         `json:"codeDoneNoPR"`
	Failed       []FailedIssue `json:"failedIssues"`
	Tokens       budget.Totals `json:"tokens"`
}
