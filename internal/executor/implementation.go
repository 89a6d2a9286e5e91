package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/logging"
	"github.com/Iron-Ham/convoy/internal/taskgraph"
)

type implementationExecutor struct {
	launcher    agent.Launcher
	maxParallel int
}

// Execute runs the plan's tasks group by group. Tasks in one group run
// concurrently up to maxParallel. A failed task blocks everything
// downstream of it; unrelated tasks still run. Tasks completed in an
// earlier attempt are not run again.
func (e *implementationExecutor) Execute(ctx context.Context, ec *Context) (string, error) {
	logger := logging.OrNop(ec.Logger)

	plan, err := artifact.Load[artifact.Plan](ec.Artifacts, artifact.PlanFile)
	if err != nil {
		return "", errors.Wrap(err, "failed to load plan")
	}
	graph, err := taskgraph.New(plan.Nodes())
	if err != nil {
		return "", err
	}

	var (
		mu      sync.Mutex
		reports []artifact.TaskReport
		failed  []string
		blocked = make(map[string]bool)
	)
	report := func(r artifact.TaskReport) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, r)
	}

	for _, group := range graph.Groups() {
		p := pool.New().WithContext(ctx).WithMaxGoroutines(e.maxParallel)
		for _, id := range group {
			if blocked[id] {
				continue
			}
			if ec.Progress != nil && ec.Progress.TaskDone(id) {
				report(artifact.TaskReport{TaskID: id, Status: artifact.TaskDone, Notes: "completed in an earlier run"})
				continue
			}
			task := plan.Task(id)
			p.Go(func(ctx context.Context) error {
				r, err := e.runTask(ctx, ec, task)
				report(r)
				if err != nil {
					mu.Lock()
					failed = append(failed, task.ID)
					mu.Unlock()
					logger.Warn("task failed", "task", task.ID, "error", err)
				}
				return err
			})
		}
		groupErr := p.Wait()

		if errors.Is(groupErr, errors.ErrBudgetExceeded) || ctx.Err() != nil {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", groupErr
		}
		for _, id := range failed {
			for _, down := range graph.Downstream(id) {
				if blocked[down] {
					continue
				}
				blocked[down] = true
				report(artifact.TaskReport{TaskID: down, Status: artifact.TaskBlocked, Notes: "blocked by failed task " + id})
				if ec.Progress != nil {
					if err := ec.Progress.MarkTask(ctx, down, TaskBlocked); err != nil {
						return "", err
					}
				}
			}
		}
	}

	summary, err := renderImplementation(reports)
	if err != nil {
		return "", err
	}
	path, err := ec.Artifacts.Write(artifact.ImplementationFile, summary)
	if err != nil {
		return "", err
	}
	if len(failed) > 0 {
		return path, fmt.Errorf("%d of %d tasks failed: %s", len(failed), graph.Len(), strings.Join(failed, ", "))
	}
	return path, nil
}

func (e *implementationExecutor) runTask(ctx context.Context, ec *Context, task *artifact.Task) (artifact.TaskReport, error) {
	r := artifact.TaskReport{TaskID: task.ID, Status: artifact.TaskFailed}
	if ec.Progress != nil {
		if err := ec.Progress.MarkTask(ctx, task.ID, TaskStarted); err != nil {
			return r, err
		}
	}

	prompt, err := render(implementerPrompt, promptData{Issue: ec.Issue, Task: task})
	if err != nil {
		return r, err
	}
	res, err := run(ctx, ec, e.launcher, agent.Implementer, task.ID, prompt, artifact.TaskFile(task.ID))
	if err != nil {
		r.Notes = err.Error()
		if ec.Progress != nil && !errors.Is(err, errors.ErrBudgetExceeded) {
			if merr := ec.Progress.MarkTask(ctx, task.ID, TaskFailed); merr != nil {
				return r, merr
			}
		}
		return r, err
	}

	if parsed, perr := artifact.Decode[artifact.TaskReport](res.Output); perr == nil {
		r = *parsed
		r.TaskID = task.ID
	}
	r.Status = artifact.TaskDone
	if ec.Progress != nil {
		if err := ec.Progress.MarkTask(ctx, task.ID, TaskCompleted); err != nil {
			return r, err
		}
	}
	return r, nil
}

func renderImplementation(reports []artifact.TaskReport) (string, error) {
	var sb strings.Builder
	sb.WriteString("# Implementation\n\n")
	for _, r := range reports {
		fmt.Fprintf(&sb, "- %s: %s", r.TaskID, r.Status)
		if r.Notes != "" {
			fmt.Fprintf(&sb, " (%s)", r.Notes)
		}
		sb.WriteString("\n")
	}
	block, err := artifact.Render(artifact.Implementation{Tasks: reports})
	if err != nil {
		return "", err
	}
	sb.WriteString("\n")
	sb.WriteString(block)
	return sb.String(), nil
}
