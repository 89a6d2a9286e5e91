package pipeline

import (
	"context"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/executor"
	"github.com/Iron-Ham/convoy/internal/phase"
)

var _ executor.Progress = (*run)(nil)

func (x *run) beginUsage(id phase.ID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.phase = id
	x.usage = nil
}

func (x *run) endUsage() *budget.Usage {
	x.mu.Lock()
	defer x.mu.Unlock()
	u := x.usage
	x.usage = nil
	return u
}

// RecordUsage charges one agent invocation to the issue budget and
// persists the token record in both checkpoints. Spend is persisted even
// when ctx is already canceled. The returned error is the budget signal.
func (x *run) RecordUsage(ctx context.Context, id agent.ID, usage *budget.Usage) error {
	x.mu.Lock()
	ph := x.phase
	x.mu.Unlock()

	rec, ok := x.guard.RecordTokens(string(id), ph, usage)
	if ok {
		x.mu.Lock()
		x.usage = x.usage.Add(usage)
		x.mu.Unlock()

		bg := context.WithoutCancel(ctx)
		if _, err := x.mutate(bg, func(s *checkpoint.IssueState) error {
			s.AddTokens(rec.Agent, rec.Phase, rec.Tokens)
			return nil
		}); err != nil {
			x.log.Error("failed to persist token usage in issue checkpoint", "error", err)
		}
		if _, err := x.stores.Fleet().Mutate(bg, func(s *checkpoint.FleetState) error {
			if !s.HasRecord(rec.ID) {
				s.AppendTokens(rec)
			}
			return nil
		}); err != nil {
			x.log.Error("failed to persist token record in fleet checkpoint", "error", err)
		}
	}
	return x.guard.Check()
}

// TaskDone reports whether a task completed in this or an earlier run.
func (x *run) TaskDone(id string) bool {
	st := x.snapshot()
	return st != nil && st.IsTaskCompleted(id)
}

// MarkTask records an implementation task transition.
func (x *run) MarkTask(ctx context.Context, id string, state executor.TaskState) error {
	_, err := x.mutate(context.WithoutCancel(ctx), func(s *checkpoint.IssueState) error {
		switch state {
		case executor.TaskStarted:
			s.StartTask(id)
		case executor.TaskCompleted:
			s.CompleteTask(id)
		case executor.TaskFailed:
			s.FailTask(id)
		case executor.TaskBlocked:
			s.BlockTask(id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	switch state {
	case executor.TaskCompleted, executor.TaskFailed:
		x.bus.Publish(event.NewTaskCompletedEvent(x.in.Issue.Number, id, state == executor.TaskCompleted, ""))
	}
	return nil
}
