// Package agent launches the external agent CLI that does each phase's
// actual work, and tracks the live processes so a shutdown can stop them.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/phase"
)

// ID identifies an agent role. The set is closed.
type ID string

const (
	Analyst             ID = "analyst"
	Scout               ID = "scout"
	Planner             ID = "planner"
	Implementer         ID = "implementer"
	IntegrationVerifier ID = "integration-verifier"
	PRComposer          ID = "pr-composer"
	ConflictResolver    ID = "conflict-resolver"
)

// IDs returns every agent role.
func IDs() []ID {
	return []ID{Analyst, Scout, Planner, Implementer, IntegrationVerifier, PRComposer, ConflictResolver}
}

// Valid reports whether id is a known role.
func (id ID) Valid() bool {
	switch id {
	case Analyst, Scout, Planner, Implementer, IntegrationVerifier, PRComposer, ConflictResolver:
		return true
	}
	return false
}

// ForPhase returns the agents that run in a phase, in launch order.
func ForPhase(id phase.ID) []ID {
	switch id {
	case phase.Analysis:
		return []ID{Analyst, Scout}
	case phase.Planning:
		return []ID{Planner}
	case phase.Implementation:
		return []ID{Implementer}
	case phase.IntegrationVerification:
		return []ID{IntegrationVerifier}
	case phase.PRComposition:
		return []ID{PRComposer}
	default:
		panic(fmt.Sprintf("agent: unknown phase %d", int(id)))
	}
}

// Invocation is one agent run.
type Invocation struct {
	Agent  ID
	Issue  int
	Phase  phase.ID
	TaskID string
	Prompt string
	// WorkDir is where the agent process runs, normally the issue worktree.
	WorkDir string
	// OutputPath receives the agent's final text when set.
	OutputPath string
	// Timeout bounds the run; zero means the launcher default.
	Timeout time.Duration
}

// Result is what a finished agent run reported.
type Result struct {
	Success  bool
	ExitCode int
	// Output is the agent's final text.
	Output     string
	OutputPath string
	// Usage is nil when the agent reported no usable token data.
	Usage     *budget.Usage
	SessionID string
	Duration  time.Duration
	Stderr    string
}

// Launcher starts agents.
type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (*Result, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, inv Invocation) (*Result, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}
