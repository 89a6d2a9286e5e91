package fleet

import (
	"context"
	"fmt"
	"sort"

	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/phase"
)

// Status reads the fleet checkpoint.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	state, err := o.deps.Stores.Fleet().Load(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Project:        state.Project,
		RunID:          state.RunID,
		ResumeCount:    state.ResumeCount,
		LastCheckpoint: state.LastCheckpoint,
		Counts:         make(map[checkpoint.Status]int),
		TotalTokens:    state.Tokens.Total,
	}
	for n, e := range state.Issues {
		st.Issues = append(st.Issues, row(n, e, state.Tokens.PerIssue[n]))
		st.Counts[e.Status]++
	}
	sort.Slice(st.Issues, func(i, j int) bool { return st.Issues[i].Number < st.Issues[j].Number })
	return st, nil
}

func row(n int, e *checkpoint.IssueStatus, tokens int64) IssueRow {
	return IssueRow{
		Number:             n,
		Title:              e.Title,
		Status:             e.Status,
		Branch:             e.Branch,
		LastCompletedPhase: e.LastCompletedPhase,
		Tokens:             tokens,
		PRURL:              e.PRURL,
		Error:              e.Error,
		UpdatedAt:          e.UpdatedAt,
	}
}

// Reset reverts issues to not-started so the next run executes them from
// the first phase. Token history is kept.
func (o *Orchestrator) Reset(ctx context.Context, issues []int) error {
	for _, n := range issues {
		if err := o.deps.Stores.ResetIssue(ctx, n); err != nil {
			return err
		}
		o.log.WithIssue(n).Info("issue reset")
	}
	return nil
}

// Report combines the fleet checkpoint with every issue checkpoint into
// outcome buckets and token breakdowns.
func (o *Orchestrator) Report(ctx context.Context) (*Report, error) {
	state, err := o.deps.Stores.Fleet().Load(ctx)
	if err != nil {
		return nil, err
	}
	numbers, err := o.deps.Stores.IssueNumbers()
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for _, n := range numbers {
		seen[n] = true
	}
	for n := range state.Issues {
		if !seen[n] {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	tracker := budget.NewTracker()
	tracker.Import(state.Tokens.Records)
	rep := &Report{Project: state.Project, Tokens: tracker.Totals()}

	for _, n := range numbers {
		entry := state.Issue(n)
		ist, err := o.deps.Stores.Issue(n).Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load issue #%d: %w", n, err)
		}

		ir := IssueReport{
			IssueRow:        row(n, entry, ist.TotalTokens()),
			CompletedPhases: ist.CompletedPhases,
			Agents:          ist.TokensByAgent,
			ResumeCount:     ist.ResumeCount,
			BudgetExceeded:  ist.BudgetExceeded,
		}
		for _, id := range phase.All() {
			if t := ist.TokensByPhase[id]; t > 0 {
				ir.Phases = append(ir.Phases, PhaseSpend{Phase: id, Name: id.String(), Tokens: t})
			}
		}
		rep.Issues = append(rep.Issues, ir)

		switch entry.Status {
		case checkpoint.StatusCompleted:
			rep.PRsCreated = append(rep.PRsCreated, CreatedPR{Issue: n, URL: entry.PRURL})
		case checkpoint.StatusCodeDoneNoPR:
			rep.CodeDoneNoPR = append(rep.CodeDoneNoPR, n)
		case checkpoint.StatusFailed, checkpoint.StatusBudgetExceeded:
			f := FailedIssue{Issue: n, Error: entry.Error}
			if next := entry.LastCompletedPhase + 1; next.Valid() {
				f.Phase, f.PhaseName = next, next.String()
			}
			rep.Failed = append(rep.Failed, f)
		}
	}
	return rep, nil
}
