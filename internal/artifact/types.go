package artifact

import (
	"slices"

	"github.com/Iron-Ham/convoy/internal/taskgraph"
)

// File names written under an issue's artifact directory.
const (
	AnalysisFile       = "analysis.md"
	ScoutFile          = "scout.md"
	PlanFile           = "plan.md"
	ImplementationFile = "implementation.md"
	IntegrationFile    = "integration.md"
	PRFile             = "pr.md"
	TaskFilePrefix     = "task-"
)

// ChangeType classifies the work an issue asks for.
type ChangeType string

const (
	ChangeFeature  ChangeType = "feature"
	ChangeBugfix   ChangeType = "bugfix"
	ChangeRefactor ChangeType = "refactor"
	ChangeDocs     ChangeType = "docs"
	ChangeTest     ChangeType = "test"
	ChangeChore    ChangeType = "chore"
)

// ChangeTypes returns every recognized change type.
func ChangeTypes() []ChangeType {
	return []ChangeType{ChangeFeature, ChangeBugfix, ChangeRefactor, ChangeDocs, ChangeTest, ChangeChore}
}

// Valid reports whether c is a recognized change type.
func (c ChangeType) Valid() bool {
	return slices.Contains(ChangeTypes(), c)
}

// Ambiguity is one open question the analyst could not resolve.
type Ambiguity struct {
	Question   string `json:"question" yaml:"question"`
	Assumption string `json:"assumption,omitempty" yaml:"assumption,omitempty"`
}

// Analysis is the Analysis phase record.
type Analysis struct {
	Summary            string      `json:"summary" yaml:"summary"`
	Requirements       []string    `json:"requirements" yaml:"requirements"`
	ChangeType         ChangeType  `json:"changeType" yaml:"changeType"`
	Scope              string      `json:"scope" yaml:"scope"`
	AcceptanceCriteria []string    `json:"acceptanceCriteria,omitempty" yaml:"acceptanceCriteria,omitempty"`
	Ambiguities        []Ambiguity `json:"ambiguities,omitempty" yaml:"ambiguities,omitempty"`
}

// RelevantFile is one file the scout thinks the change touches.
type RelevantFile struct {
	Path   string `json:"path" yaml:"path"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Scout is the codebase survey produced alongside the analysis.
type Scout struct {
	RelevantFiles []RelevantFile `json:"relevantFiles" yaml:"relevantFiles"`
	Conventions   []string       `json:"conventions,omitempty" yaml:"conventions,omitempty"`
}

// Task is one planned unit of implementation work.
type Task struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	Description        string   `json:"description" yaml:"description"`
	Files              []string `json:"files" yaml:"files"`
	DependsOn          []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Complexity         string   `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria" yaml:"acceptanceCriteria"`
}

// Plan is the Planning phase record.
type Plan struct {
	Summary string `json:"summary" yaml:"summary"`
	Tasks   []Task `json:"tasks" yaml:"tasks"`
}

// Task returns the task with id, or nil.
func (p *Plan) Task(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Nodes converts the plan's tasks into dependency graph nodes. Tasks earlier
// in the plan get higher priority within a group.
func (p *Plan) Nodes() []taskgraph.Node {
	nodes := make([]taskgraph.Node, len(p.Tasks))
	for i, t := range p.Tasks {
		nodes[i] = taskgraph.Node{ID: t.ID, DependsOn: t.DependsOn, Priority: i}
	}
	return nodes
}

// CheckResult is the outcome of a build or test run.
type CheckResult struct {
	Pass    bool   `json:"pass" yaml:"pass"`
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	Output  string `json:"output,omitempty" yaml:"output,omitempty"`
}

// IntegrationReport is the Integration Verification phase record.
type IntegrationReport struct {
	BuildResult      CheckResult `json:"buildResult" yaml:"buildResult"`
	TestResult       CheckResult `json:"testResult" yaml:"testResult"`
	NewRegressions   []string    `json:"newRegressions,omitempty" yaml:"newRegressions,omitempty"`
	BaselineFailures []string    `json:"baselineFailures,omitempty" yaml:"baselineFailures,omitempty"`
	Summary          string      `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// PRDraft is the PR Composition phase record.
type PRDraft struct {
	Title  string   `json:"title" yaml:"title"`
	Body   string   `json:"body" yaml:"body"`
	Labels []string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// TaskReport is what an implementer writes for one task.
type TaskReport struct {
	TaskID       string   `json:"taskId" yaml:"taskId"`
	Status       string   `json:"status" yaml:"status"`
	FilesChanged []string `json:"filesChanged,omitempty" yaml:"filesChanged,omitempty"`
	Notes        string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Implementation is the Implementation phase summary: one report per task
// in the order the tasks finished.
type Implementation struct {
	Tasks []TaskReport `json:"tasks" yaml:"tasks"`
}

// Task status values used in TaskReport.
const (
	TaskDone    = "done"
	TaskFailed  = "failed"
	TaskBlocked = "blocked"
)
