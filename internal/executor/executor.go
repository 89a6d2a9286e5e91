// Package executor does the work of each pipeline phase. An Executor turns
// the issue, the worktree and earlier phase artifacts into the phase's own
// artifact; the pipeline then gates on that file.
package executor

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/logging"
	"github.com/Iron-Ham/convoy/internal/phase"
	"github.com/Iron-Ham/convoy/internal/platform"
)

// TaskState is the checkpoint state of one implementation task.
type TaskState int

const (
	TaskStarted TaskState = iota
	TaskCompleted
	TaskFailed
	TaskBlocked
)

// Progress is the pipeline's side of an execution: spend accounting and
// task bookkeeping. RecordUsage returns the budget-exceeded error once the
// issue is over its limit, and executors stop on it.
type Progress interface {
	RecordUsage(ctx context.Context, agent agent.ID, usage *budget.Usage) error
	TaskDone(id string) bool
	MarkTask(ctx context.Context, id string, state TaskState) error
}

// Context is everything an executor may use.
type Context struct {
	Issue      platform.Issue
	Phase      phase.ID
	WorkDir    string
	Branch     string
	BaseCommit string
	Artifacts  *artifact.Dir
	Progress   Progress
	Logger     *logging.Logger
}

// Executor runs one phase and returns the path of its output artifact.
type Executor interface {
	Execute(ctx context.Context, ec *Context) (string, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, ec *Context) (string, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, ec *Context) (string, error) { return f(ctx, ec) }

// Set holds one executor per phase.
type Set struct {
	Analysis       Executor
	Planning       Executor
	Implementation Executor
	Integration    Executor
	PRComposition  Executor
}

// For returns the executor for id, or nil when the set has none.
func (s Set) For(id phase.ID) Executor {
	switch id {
	case phase.Analysis:
		return s.Analysis
	case phase.Planning:
		return s.Planning
	case phase.Implementation:
		return s.Implementation
	case phase.IntegrationVerification:
		return s.Integration
	case phase.PRComposition:
		return s.PRComposition
	default:
		panic(fmt.Sprintf("executor: unknown phase %d", int(id)))
	}
}

// Options configures the agent-backed executors.
type Options struct {
	// MaxParallelAgents bounds concurrent implementation tasks.
	MaxParallelAgents int
}

// NewAgentSet returns executors that drive the external agent CLI through
// launcher.
func NewAgentSet(launcher agent.Launcher, opts Options) Set {
	if opts.MaxParallelAgents < 1 {
		opts.MaxParallelAgents = 1
	}
	return Set{
		Analysis:       &analysisExecutor{launcher: launcher},
		Planning:       &planningExecutor{launcher: launcher},
		Implementation: &implementationExecutor{launcher: launcher, maxParallel: opts.MaxParallelAgents},
		Integration:    &integrationExecutor{launcher: launcher},
		PRComposition:  &prExecutor{launcher: launcher},
	}
}

// run launches one agent, accounts its usage and stores its output as the
// artifact name. The usage is recorded even when the agent failed.
func run(ctx context.Context, ec *Context, launcher agent.Launcher, id agent.ID, taskID, prompt, name string) (*agent.Result, error) {
	logger := logging.OrNop(ec.Logger).WithAgent(string(id))
	inv := agent.Invocation{
		Agent:      id,
		Issue:      ec.Issue.Number,
		Phase:      ec.Phase,
		TaskID:     taskID,
		Prompt:     prompt,
		WorkDir:    ec.WorkDir,
		OutputPath: ec.Artifacts.Path(name),
	}

	logger.Debug("launching agent", "task", taskID, "output", inv.OutputPath)
	res, err := launcher.Launch(ctx, inv)
	if res != nil && ec.Progress != nil {
		if uerr := ec.Progress.RecordUsage(ctx, id, res.Usage); uerr != nil {
			return res, uerr
		}
	}
	if err != nil {
		return res, fmt.Errorf("%s agent failed: %w", id, err)
	}
	if res == nil || !res.Success {
		return res, fmt.Errorf("%s agent reported failure", id)
	}

	if !ec.Artifacts.Exists(name) || res.Output != "" {
		if _, err := ec.Artifacts.Write(name, res.Output); err != nil {
			return res, err
		}
	}
	logger.Info("agent finished", "task", taskID, "duration", res.Duration.String())
	return res, nil
}

// readOptional returns an artifact's text, or "" when it is missing.
func readOptional(d *artifact.Dir, name string) string {
	text, err := d.Read(name)
	if err != nil {
		return ""
	}
	return text
}
