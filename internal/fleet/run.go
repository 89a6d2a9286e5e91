package fleet

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/depmerge"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/pipeline"
	"github.com/Iron-Ham/convoy/internal/platform"
	"github.com/Iron-Ham/convoy/internal/taskgraph"
)

var (
	errNoMerger = errors.New("no dependency merger configured")
	errNoIssues = errors.NewValidationError("no issues matched the selection").WithField("issues")
)

// Run executes one fleet run. Per-issue failures never abort siblings and
// are reported in the Result; the returned error covers only problems
// that prevent the run from starting.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := o.now()
	runID := uuid.NewString()
	log := o.log.With("run", runID)

	if o.deps.LockDir != "" {
		lock, err := checkpoint.AcquireRunLock(o.deps.LockDir, runID, log)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn("failed to release run lock", "error", err)
			}
		}()
	}

	issues, err := o.resolveIssues(ctx, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.runID = runID
	o.cancel = cancel
	o.mu.Unlock()

	tracker := budget.NewTracker()
	fleetStore := o.deps.Stores.Fleet()
	state, err := fleetStore.Mutate(ctx, func(s *checkpoint.FleetState) error {
		if s.Project == "" {
			s.Project = o.cfg.Fleet.Project
		}
		if opts.Resume && s.RunID != "" {
			s.ResumeCount++
		}
		s.RunID = runID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open fleet checkpoint: %w", err)
	}
	if opts.Resume {
		imported := tracker.Import(state.Tokens.Records)
		log.Info("imported token records", "count", imported)
	}

	res := &Result{RunID: runID}
	var pending []platform.Issue
	for _, is := range issues {
		if entry, ok := state.Issues[is.Number]; ok && entry.Status == checkpoint.StatusCompleted {
			res.Skipped = append(res.Skipped, is.Number)
			continue
		}
		if !opts.Resume {
			if err := o.checkFresh(ctx, is.Number); err != nil {
				return nil, err
			}
		}
		pending = append(pending, is)
	}
	if len(res.Skipped) > 0 {
		log.Info("skipping completed issues", "issues", res.Skipped)
	}

	groups, err := issueGroups(pending)
	if err != nil {
		return nil, err
	}

	limit := o.cfg.Fleet.MaxParallelIssues
	if opts.MaxParallel > 0 {
		limit = opts.MaxParallel
	}
	if limit < 1 {
		limit = 1
	}

	o.bus.Publish(event.NewRunStartedEvent(runID, issueNumbers(pending), opts.Resume))
	log.Info("fleet run started", "issues", len(pending), "skipped", len(res.Skipped), "max_parallel", limit)

	runner := pipeline.NewRunner(o.cfg, o.deps.Stores, o.deps.Executors, tracker, o.pipelineOptions()...)

	var (
		mu      sync.Mutex
		results = make(map[int]*pipeline.Result)
	)
	failed := func(n int) bool {
		mu.Lock()
		defer mu.Unlock()
		r, ok := results[n]
		return ok && r.Outcome() == pipeline.OutcomeFailed
	}

	for _, group := range groups {
		if ctx.Err() != nil {
			break
		}
		var g errgroup.Group
		g.SetLimit(limit)
		for _, is := range group {
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				var r *pipeline.Result
				if dep := slices.IndexFunc(is.DependsOn, failed); dep >= 0 {
					r = o.blocked(ctx, is, is.DependsOn[dep])
				} else {
					r = o.runIssue(ctx, runner, is)
				}
				mu.Lock()
				results[is.Number] = r
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, is := range pending {
		if r, ok := results[is.Number]; ok {
			res.add(r)
		}
	}
	res.Interrupted = ctx.Err() != nil
	res.Success = len(res.Failed) == 0 && !res.Interrupted
	res.Duration = o.now().Sub(start)
	res.Tokens = tracker.Totals()

	if !res.Interrupted {
		o.bus.Publish(event.NewRunCompletedEvent(runID, len(res.PRsCreated), len(res.CodeDoneNoPR),
			len(res.Failed), res.Success, res.Tokens.Total))
	}
	log.Info("fleet run finished",
		"success", res.Success,
		"prs_created", len(res.PRsCreated),
		"code_done_no_pr", len(res.CodeDoneNoPR),
		"failed", len(res.Failed),
		"duration", res.Duration.String(),
		"tokens", res.Tokens.Total,
	)
	return res, nil
}

func (o *Orchestrator) pipelineOptions() []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithLogger(o.log),
		pipeline.WithBus(o.bus),
		pipeline.WithPlatform(o.deps.Platform),
	}
	if o.deps.VCS != nil {
		opts = append(opts, pipeline.WithVCS(o.deps.VCS))
	}
	if o.deps.Merger != nil {
		opts = append(opts, pipeline.WithDependencies(o.deps.Merger, o.dependencyLookup, o.deps.Resolver))
	}
	return opts
}

// runIssue provisions the issue's worktree and runs its pipeline, keeping
// the fleet entry in step on both ends.
func (o *Orchestrator) runIssue(ctx context.Context, runner *pipeline.Runner, is platform.Issue) *pipeline.Result {
	n := is.Number
	log := o.log.WithIssue(n)

	ws, err := o.deps.Workspaces.Provision(ctx, n, is.Title)
	if err != nil {
		log.Error("failed to provision worktree", "error", err)
		r := &pipeline.Result{Issue: n, Status: checkpoint.StatusFailed, Error: fmt.Sprintf("provision worktree: %v", err)}
		if ctx.Err() != nil {
			r.Status = checkpoint.StatusInterrupted
		}
		o.recordOutcome(ctx, is, r)
		o.bus.Publish(event.NewIssueCompletedEvent(n, string(r.Status), "", r.Error, 0))
		return r
	}

	o.setActive(n, true)
	defer o.setActive(n, false)
	o.updateIssue(ctx, n, func(e *checkpoint.IssueStatus) {
		e.Status = checkpoint.StatusInProgress
		e.Title = is.Title
		e.WorktreePath = ws.Path
		e.Branch = ws.Branch
		e.Error = ""
	})

	r := runner.Run(ctx, pipeline.Issue{Issue: is, Workspace: *ws})
	o.recordOutcome(ctx, is, r)
	return r
}

// blocked fails an issue whose dependency failed in this run without
// running it.
func (o *Orchestrator) blocked(ctx context.Context, is platform.Issue, dep int) *pipeline.Result {
	msg := fmt.Sprintf("dependency #%d failed", dep)
	o.log.WithIssue(is.Number).Warn("issue blocked by failed dependency", "dependency", dep)
	r := &pipeline.Result{Issue: is.Number, Status: checkpoint.StatusFailed, Error: msg}
	o.recordOutcome(ctx, is, r)
	o.bus.Publish(event.NewIssueCompletedEvent(is.Number, string(r.Status), "", msg, 0))
	return r
}

func (o *Orchestrator) recordOutcome(ctx context.Context, is platform.Issue, r *pipeline.Result) {
	st, _ := o.deps.Stores.Issue(is.Number).Load(context.WithoutCancel(ctx))
	o.updateIssue(ctx, is.Number, func(e *checkpoint.IssueStatus) {
		e.Status = r.Status
		e.Title = is.Title
		e.Error = r.Error
		if r.Error == "" && r.PRError != "" {
			e.Error = r.PRError
		}
		if r.PR != nil {
			e.PRURL = r.PR.URL
		}
		if st != nil {
			e.LastCompletedPhase = st.LastCompletedPhase()
		}
	})
}

// updateIssue persists a fleet entry change. It runs even after
// cancellation so interrupted issues are recorded.
func (o *Orchestrator) updateIssue(ctx context.Context, n int, fn func(*checkpoint.IssueStatus)) {
	_, err := o.deps.Stores.Fleet().Mutate(context.WithoutCancel(ctx), func(s *checkpoint.FleetState) error {
		e := s.Issue(n)
		fn(e)
		e.UpdatedAt = o.now().UTC()
		return nil
	})
	if err != nil {
		o.log.WithIssue(n).Error("failed to update fleet checkpoint", "error", err)
	}
}

// resolveIssues fetches explicit issues or queries the platform. Results
// are ordered by number.
func (o *Orchestrator) resolveIssues(ctx context.Context, opts RunOptions) ([]platform.Issue, error) {
	var out []platform.Issue
	if len(opts.Issues) > 0 {
		seen := map[int]bool{}
		for _, n := range opts.Issues {
			if seen[n] {
				continue
			}
			seen[n] = true
			is, err := o.deps.Platform.GetIssue(ctx, n)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch issue #%d: %w", n, err)
			}
			out = append(out, *is)
		}
	} else {
		list, err := o.deps.Platform.ListIssues(ctx, platform.ListFilter{Labels: opts.Labels, Milestone: opts.Milestone})
		if err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		out = list
	}
	if len(out) == 0 {
		return nil, errNoIssues
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// checkFresh rejects an issue that already has unfinished progress when
// the run is not a resume.
func (o *Orchestrator) checkFresh(ctx context.Context, n int) error {
	store := o.deps.Stores.Issue(n)
	if !store.Exists() {
		return nil
	}
	st, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if len(st.CompletedPhases) == 0 {
		return nil
	}
	return errors.NewValidationError(fmt.Sprintf("issue #%d has checkpointed progress; rerun with --resume or reset it", n)).
		WithField("issue").WithValue(n)
}

// issueGroups orders issues so each runs after the issues it depends on.
// Dependencies outside the run are ignored here; the branches they left
// behind are still merged into the baseline.
func issueGroups(issues []platform.Issue) ([][]platform.Issue, error) {
	byID := make(map[string]platform.Issue, len(issues))
	for _, is := range issues {
		byID[strconv.Itoa(is.Number)] = is
	}
	nodes := make([]taskgraph.Node, 0, len(issues))
	for _, is := range issues {
		node := taskgraph.Node{ID: strconv.Itoa(is.Number)}
		for _, d := range is.DependsOn {
			if _, ok := byID[strconv.Itoa(d)]; ok && d != is.Number {
				node.DependsOn = append(node.DependsOn, strconv.Itoa(d))
			}
		}
		nodes = append(nodes, node)
	}
	graph, err := taskgraph.New(nodes)
	if err != nil {
		return nil, fmt.Errorf("invalid issue dependencies: %w", err)
	}

	var groups [][]platform.Issue
	for _, ids := range graph.Groups() {
		group := make([]platform.Issue, 0, len(ids))
		for _, id := range ids {
			group = append(group, byID[id])
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// dependencyLookup maps declared dependencies to the branches the fleet
// checkpoint recorded for them. Only dependencies whose code is done are
// merged.
func (o *Orchestrator) dependencyLookup(ctx context.Context, is platform.Issue) ([]depmerge.Dependency, error) {
	state, err := o.deps.Stores.Fleet().Load(ctx)
	if err != nil {
		return nil, err
	}
	var deps []depmerge.Dependency
	for _, n := range is.DependsOn {
		e, ok := state.Issues[n]
		if !ok || e.Branch == "" {
			continue
		}
		if e.Status != checkpoint.StatusCompleted && e.Status != checkpoint.StatusCodeDoneNoPR {
			continue
		}
		deps = append(deps, depmerge.Dependency{Issue: n, Branch: e.Branch})
	}
	return deps, nil
}

func (r *Result) add(ir *pipeline.Result) {
	r.Issues = append(r.Issues, ir)
	switch ir.Outcome() {
	case pipeline.OutcomeCompletedWithPR:
		pr := CreatedPR{Issue: ir.Issue}
		if ir.PR != nil {
			pr.Number, pr.URL = ir.PR.Number, ir.PR.URL
		}
		r.PRsCreated = append(r.PRsCreated, pr)
	case pipeline.OutcomeCodeDoneNoPR:
		r.CodeDoneNoPR = append(r.CodeDoneNoPR, ir.Issue)
	default:
		f := FailedIssue{Issue: ir.Issue, Phase: ir.FailedPhase, Error: ir.Error}
		if ir.FailedPhase.Valid() {
			f.PhaseName = ir.FailedPhase.String()
		}
		if f.Error == "" {
			f.Error = string(ir.Status)
		}
		r.Failed = append(r.Failed, f)
	}
}

func issueNumbers(issues []platform.Issue) []int {
	out := make([]int, len(issues))
	for i, is := range issues {
		out[i] = is.Number
	}
	return out
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
