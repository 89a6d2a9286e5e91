// Package phase defines the fixed five-stage pipeline every issue moves
// through. Phase ids form a closed set: callers switch over them
// exhaustively, so adding a phase is a compile-visible change.
package phase

import (
	"fmt"
	"strings"
)

// ID identifies one of the five pipeline phases. Values are 1-based and
// persisted in checkpoints, so they must never be renumbered.
type ID int

const (
	Analysis                ID = 1
	Planning                ID = 2
	Implementation          ID = 3
	IntegrationVerification ID = 4
	PRComposition           ID = 5
)

// Definition is one immutable row of the phase table.
type Definition struct {
	ID   ID
	Name string
	// Critical phases abort the pipeline when their gate fails.
	Critical bool
	// CommitTemplate is the commit message used after the phase when the
	// worktree is dirty. %d is replaced by the issue number. An empty
	// template means the phase never commits.
	CommitTemplate string
	// Artifact is the file name the phase writes under the issue's progress directory.
	Artifact string
}

var definitions = [...]Definition{
	{ID: Analysis, Name: "Analysis", Critical: true, CommitTemplate: "chore(#%d): record issue analysis", Artifact: "analysis.md"},
	{ID: Planning, Name: "Planning", Critical: true, CommitTemplate: "chore(#%d): record implementation plan", Artifact: "plan.md"},
	{ID: Implementation, Name: "Implementation", Critical: true, CommitTemplate: "feat(#%d): implement planned changes", Artifact: "implementation.md"},
	{ID: IntegrationVerification, Name: "Integration Verification", Critical: false, CommitTemplate: "test(#%d): integration fixes", Artifact: "integration.md"},
	{ID: PRComposition, Name: "PR Composition", Critical: false, CommitTemplate: "docs(#%d): pull request updates", Artifact: "pr.md"},
}

// Definitions returns the phase table in execution order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions[:])
	return out
}

// All returns every phase id in execution order.
func All() []ID {
	return []ID{Analysis, Planning, Implementation, IntegrationVerification, PRComposition}
}

// Valid reports whether id is one of the five phases.
func (id ID) Valid() bool {
	return id >= Analysis && id <= PRComposition
}

// Definition returns the table row for id. It panics on an invalid id,
// which can only come from a programming error or a corrupted checkpoint
// that Valid should have caught.
func (id ID) Definition() Definition {
	if !id.Valid() {
		panic(fmt.Sprintf("phase: invalid id %d", int(id)))
	}
	return definitions[id-1]
}

// String returns the human name of the phase.
func (id ID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("Phase(%d)", int(id))
	}
	return definitions[id-1].Name
}

// Slug returns a lowercase, dash-separated name for use in file names and logs.
func (id ID) Slug() string {
	return strings.ReplaceAll(strings.ToLower(id.String()), " ", "-")
}

// Next returns the phase after id and false when id is the last phase.
func (id ID) Next() (ID, bool) {
	if !id.Valid() || id == PRComposition {
		return 0, false
	}
	return id + 1, true
}

// CommitMessage renders the phase's commit template for an issue. It
// returns "" when the phase does not commit.
func (d Definition) CommitMessage(issue int) string {
	if d.CommitTemplate == "" {
		return ""
	}
	return fmt.Sprintf(d.CommitTemplate, issue)
}
