// Package pipeline drives one issue through the five phases: Analysis,
// Planning, Implementation, Integration Verification and PR Composition.
//
// Each phase is skipped when the issue checkpoint already lists it as
// completed. Otherwise the phase's executor runs under the retry policy,
// its token spend is charged to the issue's budget, and the phase gate
// validates the artifact it produced. A gate failure in a critical phase
// stops the issue; in a non-critical phase it is recorded and the
// pipeline moves on. Budget exhaustion always stops the issue.
//
// Once the code is complete and a PR draft passed its gate, the branch is
// pushed and a pull request opened. A failure there leaves the issue
// code-complete without a PR rather than failed.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/config"
	"github.com/Iron-Ham/convoy/internal/depmerge"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/executor"
	"github.com/Iron-Ham/convoy/internal/gate"
	"github.com/Iron-Ham/convoy/internal/logging"
	"github.com/Iron-Ham/convoy/internal/phase"
	"github.com/Iron-Ham/convoy/internal/platform"
	"github.com/Iron-Ham/convoy/internal/retry"
)

// Runner runs issue pipelines. One Runner serves every issue of a fleet
// run; concurrent Run calls must be for different issues.
type Runner struct {
	cfg       *config.Config
	stores    *checkpoint.Stores
	executors executor.Set
	tracker   *budget.Tracker

	logger   *logging.Logger
	bus      *event.Bus
	platform platform.Provider
	vcs      VCS
	merger   DependencyMerger
	lookup   DependencyLookup
	resolver depmerge.Resolver
	retry    *retry.Executor
	now      func() time.Time
}

// NewRunner returns a Runner. A nil cfg uses config.Default(); a nil
// tracker gives each Runner its own ledger.
func NewRunner(cfg *config.Config, stores *checkpoint.Stores, executors executor.Set, tracker *budget.Tracker, opts ...Option) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	if tracker == nil {
		tracker = budget.NewTracker()
	}
	r := &Runner{
		cfg:       cfg,
		stores:    stores,
		executors: executors,
		tracker:   tracker,
		logger:    logging.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry == nil {
		r.retry = retry.NewExecutor(retry.PolicyFrom(cfg), nil, r.logger)
	}
	return r
}

// run is the state of one Run call.
type run struct {
	*Runner
	in        Issue
	log       *logging.Logger
	store     *checkpoint.Store[checkpoint.IssueState]
	artifacts *artifact.Dir
	guard     *budget.Guard
	result    *Result

	mu    sync.Mutex
	state *checkpoint.IssueState
	// phase and usage attribute spend to the phase in flight.
	phase phase.ID
	usage *budget.Usage
}

// Run drives the issue to a terminal status and returns the result. It
// never panics on executor or gate failures and never returns a nil
// result; everything that went wrong is described in the result.
func (r *Runner) Run(ctx context.Context, in Issue) *Result {
	start := r.now()
	n := in.Issue.Number
	x := &run{
		Runner:    r,
		in:        in,
		log:       r.logger.WithIssue(n),
		store:     r.stores.Issue(n),
		artifacts: artifact.NewDir(r.stores.Fs(), r.stores.ArtifactDir(n)),
		result:    &Result{Issue: n},
	}
	x.guard = budget.NewGuard(n, budget.ConfigFrom(r.cfg), r.tracker, budget.Callbacks{
		OnWarning: func(issue int, spent, limit int64) {
			r.bus.Publish(event.NewBudgetWarningEvent(issue, spent, limit))
		},
	}, x.log)

	if err := x.begin(ctx); err != nil {
		x.result.Error = err.Error()
		return x.finish(ctx, start)
	}

phases:
	for _, def := range phase.Definitions() {
		if x.completed(def.ID) {
			x.log.Debug("phase already completed, skipping", "phase", def.Name)
			x.result.Phases = append(x.result.Phases, PhaseResult{
				ID:         def.ID,
				Name:       def.Name,
				Success:    true,
				Skipped:    true,
				OutputPath: x.snapshot().PhaseOutputs[def.ID],
			})
			continue
		}

		pr, err := x.runPhase(ctx, def)
		x.result.Phases = append(x.result.Phases, pr)
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, errors.ErrBudgetExceeded):
			x.result.BudgetExceeded = true
			x.result.Error = err.Error()
		case ctx.Err() != nil:
			x.result.Error = ctx.Err().Error()
		case def.Critical:
			x.result.FailedPhase = def.ID
			x.result.Error = fmt.Sprintf("phase %d (%s) failed: %v", def.ID, def.Name, err)
		default:
			x.log.Warn("non-critical phase failed, continuing", "phase", def.Name, "error", err)
			continue
		}
		break phases
	}

	return x.finish(ctx, start)
}

// begin binds the worktree to the checkpoint and counts a resume when the
// issue already has progress.
func (x *run) begin(ctx context.Context) error {
	ws := x.in.Workspace
	_, err := x.mutate(ctx, func(s *checkpoint.IssueState) error {
		if len(s.CompletedPhases) > 0 || !s.StartedAt.IsZero() {
			s.ResumeCount++
		}
		s.WorktreePath = ws.Path
		s.Branch = ws.Branch
		if s.BaseCommit == "" {
			s.BaseCommit = ws.BaseCommit
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load issue checkpoint: %w", err)
	}
	if st := x.snapshot(); st.BaseCommit != "" {
		x.in.Workspace.BaseCommit = st.BaseCommit
	}
	x.bus.Publish(event.NewIssueStartedEvent(x.in.Issue.Number, x.in.Issue.Title, ws.Branch, ws.Path))
	x.log.Info("issue pipeline started", "branch", ws.Branch, "worktree", ws.Path, "resume_count", x.snapshot().ResumeCount)
	return nil
}

func (x *run) runPhase(ctx context.Context, def phase.Definition) (PhaseResult, error) {
	n := x.in.Issue.Number
	start := x.now()
	pr := PhaseResult{ID: def.ID, Name: def.Name}
	log := x.log.WithPhase(def.Name)

	fail := func(err error) (PhaseResult, error) {
		pr.Error = err.Error()
		pr.Duration = x.now().Sub(start)
		log.Warn("phase failed", "error", err, "duration", pr.Duration.String())
		x.bus.Publish(event.NewPhaseCompletedEvent(n, int(def.ID), def.Name, false, pr.Duration, pr.TokenUsage.Tokens(), pr.Error))
		return pr, err
	}

	log.Info("phase started")
	x.bus.Publish(event.NewPhaseStartedEvent(n, int(def.ID), def.Name))
	if _, err := x.mutate(ctx, func(s *checkpoint.IssueState) error {
		s.MarkPhaseStarted(def.ID)
		return nil
	}); err != nil {
		return fail(err)
	}

	if def.ID == phase.Implementation {
		if err := x.prepareDependencies(ctx); err != nil {
			return fail(err)
		}
	}

	exec := x.executors.For(def.ID)
	if exec == nil {
		return fail(errors.NewPipelineError("no executor configured", errors.ErrPhaseFailed).
			WithIssue(n).WithPhase(int(def.ID), def.Name))
	}

	ec := &executor.Context{
		Issue:      x.in.Issue,
		Phase:      def.ID,
		WorkDir:    x.in.Workspace.Path,
		Branch:     x.in.Workspace.Branch,
		BaseCommit: x.changeBase(),
		Artifacts:  x.artifacts,
		Progress:   x,
		Logger:     log,
	}

	x.beginUsage(def.ID)
	var outputPath string
	err := x.retry.Do(ctx, fmt.Sprintf("issue-%d/%s", n, def.ID.Slug()), func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			log.Info("retrying phase", "attempt", attempt)
		}
		path, err := exec.Execute(ctx, ec)
		outputPath = path
		return err
	})
	usage := x.endUsage()
	pr.OutputPath = outputPath

	if err != nil {
		var exhausted *retry.ExhaustedError
		if !errors.As(err, &exhausted) {
			pr.TokenUsage = usage
		}
		return fail(err)
	}
	pr.TokenUsage = usage

	// Committed before the gate verdict: a failed non-critical phase keeps
	// its changes on the branch.
	if err := x.commit(ctx, def); err != nil {
		return fail(err)
	}
	if err := x.guard.Check(); err != nil {
		return fail(err)
	}

	result := gate.For(def.ID)(ctx, x.gateInput())
	pr.Gate = result
	x.bus.Publish(event.NewGateEvaluatedEvent(n, int(def.ID), result.Gate, string(result.Status), result.Warnings, result.Errors))
	if !result.Passed() {
		return fail(errors.NewPipelineError(result.Summary(), errors.ErrGateFailed).
			WithIssue(n).WithPhase(int(def.ID), def.Name))
	}
	for _, w := range result.Warnings {
		log.Warn("gate warning", "gate", result.Gate, "warning", w)
	}

	if _, err := x.mutate(ctx, func(s *checkpoint.IssueState) error {
		s.MarkPhaseCompleted(def.ID, outputPath)
		return nil
	}); err != nil {
		return fail(err)
	}

	pr.Success = true
	pr.Duration = x.now().Sub(start)
	log.Info("phase completed", "duration", pr.Duration.String(), "tokens", usage.Tokens())
	x.bus.Publish(event.NewPhaseCompletedEvent(n, int(def.ID), def.Name, true, pr.Duration, usage.Tokens(), ""))
	return pr, nil
}

func (x *run) gateInput() *gate.Input {
	in := &gate.Input{
		Issue:              x.in.Issue.Number,
		Artifacts:          x.artifacts,
		WorkDir:            x.in.Workspace.Path,
		WorkFs:             x.stores.Fs(),
		BaseCommit:         x.changeBase(),
		AmbiguityThreshold: x.cfg.Gates.AmbiguityThreshold,
		HaltOnAmbiguity:    x.cfg.Gates.HaltOnAmbiguity,
	}
	if x.vcs != nil {
		in.Changes = x.vcs
	}
	return in
}

// changeBase is the commit the issue's own changes are measured against:
// the dependency baseline once it has been merged, otherwise the base
// commit the branch was cut from.
func (x *run) changeBase() string {
	if st := x.snapshot(); st != nil && st.DepsCommit != "" {
		return st.DepsCommit
	}
	return x.in.Workspace.BaseCommit
}

// commit records the phase's work when the tree is dirty. A clean tree
// produces no commit.
func (x *run) commit(ctx context.Context, def phase.Definition) error {
	if x.vcs == nil || !x.cfg.Git.CommitPerPhase {
		return nil
	}
	msg := def.CommitMessage(x.in.Issue.Number)
	if msg == "" {
		return nil
	}
	dir := x.in.Workspace.Path
	dirty, err := x.vcs.HasUncommittedChanges(ctx, dir)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	committed, err := x.vcs.CommitAll(ctx, dir, msg)
	if err != nil {
		return err
	}
	if committed {
		x.log.Info("committed phase changes", "phase", def.Name, "message", msg)
	}
	return nil
}

// prepareDependencies folds the issue's dependency baseline into its
// branch before implementation starts. It runs once per issue.
func (x *run) prepareDependencies(ctx context.Context) error {
	if x.merger == nil || x.lookup == nil || len(x.in.Issue.DependsOn) == 0 {
		return nil
	}
	if x.snapshot().DepsCommit != "" {
		return nil
	}
	n := x.in.Issue.Number

	deps, err := x.lookup(ctx, x.in.Issue)
	if err != nil {
		return err
	}
	if len(deps) == 0 {
		x.log.Info("declared dependencies have no branches, skipping baseline", "depends_on", x.in.Issue.DependsOn)
		return nil
	}

	sha, err := x.merger.Merge(ctx, depmerge.Request{
		Issue:        n,
		Dependencies: deps,
		BaseCommit:   x.in.Workspace.BaseCommit,
		Resolver:     x.resolver,
	})
	if err != nil {
		var conflict *depmerge.MergeConflictError
		if errors.As(err, &conflict) {
			x.bus.Publish(event.NewDependencyConflictEvent(n, conflict.ConflictingBranch, conflict.Files, false))
		}
		return err
	}

	if x.vcs != nil {
		msg := fmt.Sprintf("chore(#%d): merge dependency baseline", n)
		if err := x.vcs.Merge(ctx, x.in.Workspace.Path, sha, msg); err != nil {
			return err
		}
	}
	_, err = x.mutate(ctx, func(s *checkpoint.IssueState) error {
		s.DepsCommit = sha
		return nil
	})
	x.log.Info("dependency baseline merged", "sha", sha, "dependencies", len(deps))
	return err
}

// finish settles the terminal status, attempts the PR and writes the
// terminal checkpoint. It runs even when the pipeline stopped early or ctx
// was canceled.
func (x *run) finish(ctx context.Context, start time.Time) *Result {
	res := x.result
	st := x.snapshot()
	if st != nil {
		res.CodeComplete = st.IsPhaseCompleted(phase.Analysis) &&
			st.IsPhaseCompleted(phase.Planning) &&
			st.IsPhaseCompleted(phase.Implementation)

		if res.CodeComplete && !res.BudgetExceeded && ctx.Err() == nil && st.IsPhaseCompleted(phase.PRComposition) {
			x.createPR(ctx, st)
		} else if res.CodeComplete && !st.IsPhaseCompleted(phase.PRComposition) {
			res.PRError = "PR composition did not produce a usable draft"
		}
	}

	switch {
	case ctx.Err() != nil:
		res.Status = checkpoint.StatusInterrupted
	case res.BudgetExceeded:
		res.Status = checkpoint.StatusBudgetExceeded
	case res.FailedPhase != 0 || st == nil:
		res.Status = checkpoint.StatusFailed
	case res.PRCreated:
		res.Status = checkpoint.StatusCompleted
		res.Success = true
	case res.CodeComplete:
		res.Status = checkpoint.StatusCodeDoneNoPR
		res.Success = true
	default:
		res.Status = checkpoint.StatusFailed
	}

	var usage *budget.Usage
	for _, p := range res.Phases {
		if p.TokenUsage != nil {
			usage = usage.Add(p.TokenUsage)
		}
	}
	res.TokenUsage = usage
	res.Duration = x.now().Sub(start)

	bg := context.WithoutCancel(ctx)
	if st != nil {
		if _, err := x.mutate(bg, func(s *checkpoint.IssueState) error {
			s.CodeComplete = res.CodeComplete
			s.BudgetExceeded = res.BudgetExceeded
			if res.PR != nil {
				s.PRURL = res.PR.URL
			}
			return nil
		}); err != nil {
			x.log.Error("failed to write terminal checkpoint", "error", err)
		}
	}

	prURL := ""
	if res.PR != nil {
		prURL = res.PR.URL
	}
	x.bus.Publish(event.NewIssueCompletedEvent(res.Issue, string(res.Status), prURL, res.Error, res.TokenUsage.Tokens()))
	x.log.Info("issue pipeline finished",
		"status", string(res.Status),
		"code_complete", res.CodeComplete,
		"pr_created", res.PRCreated,
		"duration", res.Duration.String(),
		"tokens", res.TokenUsage.Tokens())
	return res
}

func (x *run) completed(id phase.ID) bool {
	return x.snapshot().IsPhaseCompleted(id)
}

func (x *run) snapshot() *checkpoint.IssueState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// mutate writes the issue checkpoint and keeps the in-memory copy in step.
func (x *run) mutate(ctx context.Context, fn func(*checkpoint.IssueState) error) (*checkpoint.IssueState, error) {
	st, err := x.store.Mutate(ctx, fn)
	if err != nil {
		return nil, err
	}
	x.mu.Lock()
	x.state = st
	x.mu.Unlock()
	return st, nil
}
