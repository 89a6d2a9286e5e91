package pipeline

import (
	"time"

	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/gate"
	"github.com/Iron-Ham/convoy/internal/phase"
	"github.com/Iron-Ham/convoy/internal/platform"
	"github.com/Iron-Ham/convoy/internal/worktree"
)

// Issue is one unit of work handed to Run: the tracker issue and the
// worktree provisioned for it.
type Issue struct {
	Issue     platform.Issue
	Workspace worktree.Workspace
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	ID       phase.ID      `json:"id"`
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
	// TokenUsage is nil when the phase reported no usable usage, and when
	// the executor exhausted its retries.
	TokenUsage *budget.Usage `json:"tokenUsage"`
	Error      string        `json:"error,omitempty"`
	OutputPath string        `json:"outputPath,omitempty"`
	Gate       *gate.Result  `json:"gate,omitempty"`
}

// Result is the outcome of one issue pipeline.
type Result struct {
	Issue   int               `json:"issue"`
	Success bool              `json:"success"`
	Status  checkpoint.Status `json:"status"`
	Phases  []PhaseResult     `json:"phases"`

	Duration   time.Duration `json:"duration"`
	TokenUsage *budget.Usage `json:"tokenUsage"`

	// CodeComplete is set once Analysis, Planning and Implementation passed.
	CodeComplete bool                  `json:"codeComplete"`
	PRCreated    bool                  `json:"prCreated"`
	PR           *platform.PullRequest `json:"pr,omitempty"`
	// PRError explains why a code-complete issue has no PR.
	PRError        string `json:"prError,omitempty"`
	BudgetExceeded bool   `json:"budgetExceeded,omitempty"`

	// FailedPhase is the critical phase that stopped the pipeline, or 0.
	FailedPhase phase.ID `json:"failedPhase,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Phase returns the result for id, or nil when the phase never ran.
func (r *Result) Phase(id phase.ID) *PhaseResult {
	for i := range r.Phases {
		if r.Phases[i].ID == id {
			return &r.Phases[i]
		}
	}
	return nil
}

// Outcome buckets a result for fleet reporting.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeCodeDoneNoPR
	OutcomeCompletedWithPR
)

// Outcome returns which of the three fleet buckets the result belongs to.
func (r *Result) Outcome() Outcome {
	switch {
	case r.PRCreated:
		return OutcomeCompletedWithPR
	case r.Success && r.CodeComplete:
		return OutcomeCodeDoneNoPR
	default:
		return OutcomeFailed
	}
}
