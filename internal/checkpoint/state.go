package checkpoint

import (
	"slices"
	"time"

	"github.com/Iron-Ham/convoy/internal/phase"
)

// SchemaVersion is written into every checkpoint. Loading a file with a
// newer version fails rather than silently dropping unknown fields.
const SchemaVersion = 1

// Status is the fleet-level lifecycle state of one issue.
type Status string

const (
	StatusNotStarted     Status = "not-started"
	StatusInProgress     Status = "in-progress"
	StatusCompleted      Status = "completed"
	StatusCodeDoneNoPR   Status = "code-done-no-pr"
	StatusFailed         Status = "failed"
	StatusBudgetExceeded Status = "budget-exceeded"
	StatusInterrupted    Status = "interrupted"
)

// IsTerminal reports whether the status ends a pipeline run.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCodeDoneNoPR, StatusFailed, StatusBudgetExceeded:
		return true
	default:
		return false
	}
}

// TokenRecord is one agent invocation's reported spend. Records are
// append-only: once written they are never edited, only replayed.
type TokenRecord struct {
	ID        string    `json:"id"`
	Issue     int       `json:"issue"`
	Agent     string    `json:"agent"`
	Phase     phase.ID  `json:"phase"`
	Tokens    int64     `json:"tokens"`
	Input     int64     `json:"input_tokens"`
	Output    int64     `json:"output_tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenUsage aggregates fleet-wide token spend.
type TokenUsage struct {
	Total    int64         `json:"total"`
	PerIssue map[int]int64 `json:"per_issue"`
	Records  []TokenRecord `json:"records"`
}

// IssueStatus is the fleet checkpoint's view of one issue.
type IssueStatus struct {
	Status             Status    `json:"status"`
	Title              string    `json:"title,omitempty"`
	WorktreePath       string    `json:"worktree_path,omitempty"`
	Branch             string    `json:"branch,omitempty"`
	LastCompletedPhase phase.ID  `json:"last_completed_phase,omitempty"`
	Error              string    `json:"error,omitempty"`
	PRURL              string    `json:"pr_url,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// FleetState is the fleet-scope checkpoint. Issues is the single source
// of truth for fleet-level status.
type FleetState struct {
	SchemaVersion  int                  `json:"schema_version"`
	Project        string               `json:"project"`
	RunID          string               `json:"run_id,omitempty"`
	Issues         map[int]*IssueStatus `json:"issues"`
	Tokens         TokenUsage           `json:"tokens"`
	LastCheckpoint time.Time            `json:"last_checkpoint"`
	ResumeCount    int                  `json:"resume_count"`
}

// NewFleetState returns an empty fleet checkpoint.
func NewFleetState() *FleetState {
	return &FleetState{
		SchemaVersion: SchemaVersion,
		Issues:        make(map[int]*IssueStatus),
		Tokens:        TokenUsage{PerIssue: make(map[int]int64)},
	}
}

// Touch stamps the checkpoint time. The store calls it on every write.
func (s *FleetState) Touch(now time.Time) {
	s.LastCheckpoint = now
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
}

// normalize fills nil maps left by older or hand-edited files.
func (s *FleetState) normalize() {
	if s.Issues == nil {
		s.Issues = make(map[int]*IssueStatus)
	}
	if s.Tokens.PerIssue == nil {
		s.Tokens.PerIssue = make(map[int]int64)
	}
}

// Issue returns the status entry for n, creating a not-started entry if absent.
func (s *FleetState) Issue(n int) *IssueStatus {
	s.normalize()
	st, ok := s.Issues[n]
	if !ok {
		st = &IssueStatus{Status: StatusNotStarted}
		s.Issues[n] = st
	}
	return st
}

// AppendTokens appends rec and updates the running totals.
func (s *FleetState) AppendTokens(rec TokenRecord) {
	s.normalize()
	s.Tokens.Records = append(s.Tokens.Records, rec)
	s.Tokens.Total += rec.Tokens
	s.Tokens.PerIssue[rec.Issue] += rec.Tokens
}

// HasRecord reports whether a token record with id is already present.
func (s *FleetState) HasRecord(id string) bool {
	return slices.ContainsFunc(s.Tokens.Records, func(r TokenRecord) bool { return r.ID == id })
}

// IssueState is the per-issue checkpoint. CompletedPhases only grows; a
// phase listed there is never executed again unless the issue is reset.
type IssueState struct {
	SchemaVersion   int                 `json:"schema_version"`
	Issue           int                 `json:"issue"`
	CurrentPhase    phase.ID            `json:"current_phase,omitempty"`
	CurrentTask     *string             `json:"current_task"`
	CompletedPhases []phase.ID          `json:"completed_phases"`
	CompletedTasks  []string            `json:"completed_tasks"`
	FailedTasks     []string            `json:"failed_tasks"`
	BlockedTasks    []string            `json:"blocked_tasks"`
	PhaseOutputs    map[phase.ID]string `json:"phase_outputs"`
	TokensByPhase   map[phase.ID]int64  `json:"tokens_by_phase"`
	TokensByAgent   map[string]int64    `json:"tokens_by_agent"`
	WorktreePath    string              `json:"worktree_path,omitempty"`
	Branch          string              `json:"branch,omitempty"`
	BaseCommit      string              `json:"base_commit,omitempty"`
	DepsCommit      string              `json:"deps_commit,omitempty"`
	CodeComplete    bool                `json:"code_complete"`
	PRURL           string              `json:"pr_url,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	LastCheckpoint  time.Time           `json:"last_checkpoint"`
	ResumeCount     int                 `json:"resume_count"`
	BudgetExceeded  bool                `json:"budget_exceeded"`
}

// NewIssueState returns an empty checkpoint for issue n.
func NewIssueState(n int) *IssueState {
	s := &IssueState{SchemaVersion: SchemaVersion, Issue: n}
	s.normalize()
	return s
}

// Touch stamps the checkpoint time. The store calls it on every write.
func (s *IssueState) Touch(now time.Time) {
	s.LastCheckpoint = now
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
}

func (s *IssueState) normalize() {
	if s.PhaseOutputs == nil {
		s.PhaseOutputs = make(map[phase.ID]string)
	}
	if s.TokensByPhase == nil {
		s.TokensByPhase = make(map[phase.ID]int64)
	}
	if s.TokensByAgent == nil {
		s.TokensByAgent = make(map[string]int64)
	}
	if s.CompletedPhases == nil {
		s.CompletedPhases = []phase.ID{}
	}
	if s.CompletedTasks == nil {
		s.CompletedTasks = []string{}
	}
	if s.FailedTasks == nil {
		s.FailedTasks = []string{}
	}
	if s.BlockedTasks == nil {
		s.BlockedTasks = []string{}
	}
}

// IsPhaseCompleted reports whether id is recorded as completed.
func (s *IssueState) IsPhaseCompleted(id phase.ID) bool {
	return slices.Contains(s.CompletedPhases, id)
}

// MarkPhaseStarted records id as the current phase.
func (s *IssueState) MarkPhaseStarted(id phase.ID) {
	s.CurrentPhase = id
}

// MarkPhaseCompleted adds id to the completed set and records its output.
// The set is kept sorted and free of duplicates.
func (s *IssueState) MarkPhaseCompleted(id phase.ID, outputPath string) {
	s.normalize()
	if !s.IsPhaseCompleted(id) {
		s.CompletedPhases = append(s.CompletedPhases, id)
		slices.Sort(s.CompletedPhases)
	}
	if outputPath != "" {
		s.PhaseOutputs[id] = outputPath
	}
	s.CurrentTask = nil
}

// LastCompletedPhase returns the highest completed phase, or 0.
func (s *IssueState) LastCompletedPhase() phase.ID {
	if len(s.CompletedPhases) == 0 {
		return 0
	}
	return slices.Max(s.CompletedPhases)
}

// StartTask records id as the task in flight.
func (s *IssueState) StartTask(id string) {
	s.CurrentTask = &id
}

// CompleteTask moves id into the completed set.
func (s *IssueState) CompleteTask(id string) {
	s.normalize()
	s.FailedTasks = slices.DeleteFunc(s.FailedTasks, func(t string) bool { return t == id })
	if !slices.Contains(s.CompletedTasks, id) {
		s.CompletedTasks = append(s.CompletedTasks, id)
	}
	if s.CurrentTask != nil && *s.CurrentTask == id {
		s.CurrentTask = nil
	}
}

// FailTask records id as failed.
func (s *IssueState) FailTask(id string) {
	s.normalize()
	if !slices.Contains(s.FailedTasks, id) {
		s.FailedTasks = append(s.FailedTasks, id)
	}
	if s.CurrentTask != nil && *s.CurrentTask == id {
		s.CurrentTask = nil
	}
}

// BlockTask records id as blocked by a failed dependency.
func (s *IssueState) BlockTask(id string) {
	s.normalize()
	if !slices.Contains(s.BlockedTasks, id) {
		s.BlockedTasks = append(s.BlockedTasks, id)
	}
}

// IsTaskCompleted reports whether id finished in an earlier run.
func (s *IssueState) IsTaskCompleted(id string) bool {
	return slices.Contains(s.CompletedTasks, id)
}

// AddTokens adds spend to the per-phase and per-agent breakdowns.
func (s *IssueState) AddTokens(agent string, id phase.ID, tokens int64) {
	s.normalize()
	s.TokensByPhase[id] += tokens
	s.TokensByAgent[agent] += tokens
}

// TotalTokens returns the issue's total recorded spend.
func (s *IssueState) TotalTokens() int64 {
	var total int64
	for _, n := range s.TokensByPhase {
		total += n
	}
	return total
}

// Reset clears phase and task progress. Token breakdowns, the resume
// counter and the worktree binding survive.
func (s *IssueState) Reset() {
	s.CurrentPhase = 0
	s.CurrentTask = nil
	s.CompletedPhases = []phase.ID{}
	s.CompletedTasks = []string{}
	s.FailedTasks = []string{}
	s.BlockedTasks = []string{}
	s.PhaseOutputs = make(map[phase.ID]string)
	s.DepsCommit = ""
	s.CodeComplete = false
	s.PRURL = ""
	s.BudgetExceeded = false
}
