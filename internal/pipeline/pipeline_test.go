package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/config"
	"github.com/Iron-Ham/convoy/internal/depmerge"
	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/executor"
	"github.com/Iron-Ham/convoy/internal/phase"
	"github.com/Iron-Ham/convoy/internal/platform"
	"github.com/Iron-Ham/convoy/internal/retry"
	"github.com/Iron-Ham/convoy/internal/testutil"
	"github.com/Iron-Ham/convoy/internal/worktree"
)

type harness struct {
	cfg      *config.Config
	stores   *checkpoint.Stores
	platform *platform.Memory
	bus      *event.Bus
	events   []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cfg:      config.Default(),
		stores:   checkpoint.NewStores(afero.NewMemMapFs(), "/state"),
		platform: platform.NewMemory(),
		bus:      event.NewBus(nil),
	}
	h.bus.SubscribeAll(func(e event.Event) { h.events = append(h.events, e.EventType()) })
	return h
}

func (h *harness) runner(set executor.Set, opts ...Option) *Runner {
	base := []Option{
		WithBus(h.bus),
		WithPlatform(h.platform),
		WithRetry(retry.NewExecutor(retry.Policy{MaxRetries: 1}, nil, nil)),
	}
	return NewRunner(h.cfg, h.stores, set, budget.NewTracker(), append(base, opts...)...)
}

func issue(n int) Issue {
	return Issue{
		Issue:     platform.Issue{Number: n, Title: fmt.Sprintf("Issue %d", n)},
		Workspace: worktree.Workspace{Issue: n, Path: "/work", Branch: fmt.Sprintf("convoy/issue-%d", n), BaseCommit: "abc123"},
	}
}

func TestRun_AllPhasesWithPR(t *testing.T) {
	h := newHarness(t)
	set, calls := testutil.StubExecutors(100)

	res := h.runner(set).Run(context.Background(), issue(1))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, checkpoint.StatusCompleted, res.Status)
	assert.True(t, res.CodeComplete)
	assert.True(t, res.PRCreated)
	require.NotNil(t, res.PR)
	assert.Equal(t, 1, res.PR.Number)
	assert.Len(t, res.Phases, 5)
	for _, id := range phase.All() {
		assert.Equal(t, int32(1), calls[id].Load(), id.String())
		pr := res.Phase(id)
		require.NotNil(t, pr)
		assert.True(t, pr.Success)
		require.NotNil(t, pr.TokenUsage)
		assert.Equal(t, int64(100), pr.TokenUsage.Tokens())
	}
	assert.Equal(t, int64(500), res.TokenUsage.Tokens())

	require.Len(t, h.platform.Created, 1)
	assert.Equal(t, "Add cache", h.platform.Created[0].Title)
	assert.Contains(t, h.platform.Created[0].Body, "Closes #1")

	st, err := h.stores.Issue(1).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.CompletedPhases, 5)
	assert.True(t, st.CodeComplete)
	assert.Equal(t, res.PR.URL, st.PRURL)
	assert.Equal(t, int64(500), st.TotalTokens())

	fleet, err := h.stores.Fleet().Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, fleet.Tokens.Records, 5)
	assert.Equal(t, int64(500), fleet.Tokens.PerIssue[1])

	assert.Contains(t, h.events, event.TypePRCreated)
	assert.Equal(t, event.TypeIssueCompleted, h.events[len(h.events)-1])
}

func TestRun_CriticalGateFailureStops(t *testing.T) {
	h := newHarness(t)
	set, calls := testutil.StubExecutors(0)
	set.Analysis = testutil.StubPhase(nil, agent.Analyst, 0, map[string]string{
		artifact.AnalysisFile: "```json\n{\"summary\":\"x\",\"requirements\":[],\"changeType\":\"feature\",\"scope\":\"s\"}\n```",
		artifact.ScoutFile:    testutil.ScoutArtifact,
	}, artifact.AnalysisFile)

	res := h.runner(set).Run(context.Background(), issue(2))

	assert.False(t, res.Success)
	assert.False(t, res.CodeComplete)
	assert.False(t, res.PRCreated)
	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Equal(t, phase.Analysis, res.FailedPhase)
	require.Len(t, res.Phases, 1)
	require.NotNil(t, res.Phases[0].Gate)
	assert.Contains(t, res.Phases[0].Gate.Errors, "analysis requirements list is empty")
	assert.Contains(t, res.Error, "Analysis")
	assert.Equal(t, int32(0), calls[phase.Planning].Load())
	assert.Empty(t, h.platform.Created, "no PR may be attempted")

	st, err := h.stores.Issue(2).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.CompletedPhases)
}

func TestRun_PRFailureKeepsCodeComplete(t *testing.T) {
	h := newHarness(t)
	h.platform.FailCreatePR["convoy/issue-3"] = fmt.Errorf("validation failed")
	set, _ := testutil.StubExecutors(10)

	res := h.runner(set).Run(context.Background(), issue(3))

	assert.True(t, res.Success)
	assert.True(t, res.CodeComplete)
	assert.False(t, res.PRCreated)
	assert.Equal(t, checkpoint.StatusCodeDoneNoPR, res.Status)
	assert.Contains(t, res.PRError, "validation failed")
	assert.Equal(t, OutcomeCodeDoneNoPR, res.Outcome())
}

func TestRun_NonCriticalFailureContinues(t *testing.T) {
	h := newHarness(t)
	set, calls := testutil.StubExecutors(0)
	set.Integration = testutil.StubPhase(nil, agent.IntegrationVerifier, 0, map[string]string{
		artifact.IntegrationFile: "```json\n{\"buildResult\":{\"pass\":true},\"testResult\":{\"pass\":false}}\n```",
	}, artifact.IntegrationFile)

	res := h.runner(set).Run(context.Background(), issue(4))

	assert.True(t, res.Success)
	assert.Zero(t, res.FailedPhase)
	integration := res.Phase(phase.IntegrationVerification)
	require.NotNil(t, integration)
	assert.False(t, integration.Success)
	assert.Contains(t, integration.Gate.Errors, "tests failed")
	assert.Equal(t, int32(1), calls[phase.PRComposition].Load())
	assert.True(t, res.PRCreated)
}

func TestRun_ResumeSkipsCompletedPhases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	set, calls := testutil.StubExecutors(0)

	// A previous run finished analysis and planning and left their artifacts.
	dir := artifact.NewDir(h.stores.Fs(), h.stores.ArtifactDir(5))
	for name, content := range map[string]string{
		artifact.AnalysisFile: testutil.AnalysisArtifact,
		artifact.ScoutFile:    testutil.ScoutArtifact,
		artifact.PlanFile:     testutil.PlanArtifact,
	} {
		_, err := dir.Write(name, content)
		require.NoError(t, err)
	}
	_, err := h.stores.Issue(5).Mutate(ctx, func(s *checkpoint.IssueState) error {
		s.MarkPhaseCompleted(phase.Analysis, dir.Path(artifact.AnalysisFile))
		s.MarkPhaseCompleted(phase.Planning, dir.Path(artifact.PlanFile))
		return nil
	})
	require.NoError(t, err)

	res := h.runner(set).Run(ctx, issue(5))

	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(0), calls[phase.Analysis].Load())
	assert.Equal(t, int32(0), calls[phase.Planning].Load())
	assert.Equal(t, int32(1), calls[phase.Implementation].Load())
	assert.True(t, res.Phases[0].Skipped)
	assert.True(t, res.Phases[1].Skipped)
	assert.False(t, res.Phases[2].Skipped)

	st, err := h.stores.Issue(5).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ResumeCount)
}

func TestRun_BudgetExceededAborts(t *testing.T) {
	h := newHarness(t)
	h.cfg.Budget.TokenLimitPerIssue = 150
	set, calls := testutil.StubExecutors(100)

	res := h.runner(set).Run(context.Background(), issue(6))

	assert.False(t, res.Success)
	assert.True(t, res.BudgetExceeded)
	assert.Equal(t, checkpoint.StatusBudgetExceeded, res.Status)
	assert.Equal(t, int32(1), calls[phase.Planning].Load(), "budget is charged and checked during planning")
	assert.Equal(t, int32(0), calls[phase.Implementation].Load())
	assert.Len(t, res.Phases, 2)
	assert.Equal(t, OutcomeFailed, res.Outcome())
}

func TestRun_BudgetAtLimitIsAllowed(t *testing.T) {
	h := newHarness(t)
	h.cfg.Budget.TokenLimitPerIssue = 500
	set, _ := testutil.StubExecutors(100)

	res := h.runner(set).Run(context.Background(), issue(7))
	assert.True(t, res.Success)
	assert.False(t, res.BudgetExceeded)
}

func TestRun_RetriesExecutorFailure(t *testing.T) {
	h := newHarness(t)
	set, _ := testutil.StubExecutors(0)
	var attempts atomic.Int32
	ok := set.Planning
	set.Planning = executor.Func(func(ctx context.Context, ec *executor.Context) (string, error) {
		if attempts.Add(1) == 1 {
			return "", fmt.Errorf("agent crashed")
		}
		return ok.Execute(ctx, ec)
	})

	res := h.runner(set).Run(context.Background(), issue(8))
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRun_ExhaustedRetriesHaveNoUsage(t *testing.T) {
	h := newHarness(t)
	set, _ := testutil.StubExecutors(0)
	set.Analysis = executor.Func(func(ctx context.Context, ec *executor.Context) (string, error) {
		_ = ec.Progress.RecordUsage(ctx, agent.Analyst, &budget.Usage{Input: 10})
		return "", fmt.Errorf("agent crashed")
	})

	res := h.runner(set).Run(context.Background(), issue(9))
	assert.False(t, res.Success)
	require.Len(t, res.Phases, 1)
	assert.Nil(t, res.Phases[0].TokenUsage)
	assert.Contains(t, res.Phases[0].Error, "after 2 attempts")
}

func TestRun_NoPlatformIsCodeDoneNoPR(t *testing.T) {
	h := newHarness(t)
	set, _ := testutil.StubExecutors(0)
	r := NewRunner(h.cfg, h.stores, set, nil, WithRetry(retry.NewExecutor(retry.Policy{}, nil, nil)))

	res := r.Run(context.Background(), issue(10))
	assert.True(t, res.Success)
	assert.Equal(t, checkpoint.StatusCodeDoneNoPR, res.Status)
	assert.Equal(t, "no platform configured", res.PRError)
}

func TestRun_CanceledIsInterrupted(t *testing.T) {
	h := newHarness(t)
	set, _ := testutil.StubExecutors(0)
	ctx, cancel := context.WithCancel(context.Background())
	set.Planning = executor.Func(func(ctx context.Context, ec *executor.Context) (string, error) {
		cancel()
		return "", ctx.Err()
	})

	res := h.runner(set).Run(ctx, issue(11))
	assert.False(t, res.Success)
	assert.Equal(t, checkpoint.StatusInterrupted, res.Status)
	assert.Zero(t, res.FailedPhase)

	st, err := h.stores.Issue(11).Load(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsPhaseCompleted(phase.Analysis))
}

type fakeVCS struct {
	dirty   bool
	changed []string
	commits []string
	merges  []string
	pushed  int
}

func (v *fakeVCS) HasUncommittedChanges(context.Context, string) (bool, error) { return v.dirty, nil }
func (v *fakeVCS) CommitAll(_ context.Context, _, msg string) (bool, error) {
	v.commits = append(v.commits, msg)
	return true, nil
}
func (v *fakeVCS) ChangedFilesSince(context.Context, string, string) ([]string, error) {
	return v.changed, nil
}
func (v *fakeVCS) Merge(_ context.Context, _, branch, _ string) error {
	v.merges = append(v.merges, branch)
	return nil
}
func (v *fakeVCS) Push(context.Context, string, bool) error {
	v.pushed++
	return nil
}

func TestRun_CommitPerPhase(t *testing.T) {
	h := newHarness(t)
	vcs := &fakeVCS{dirty: true, changed: []string{"README.md"}}
	set, _ := testutil.StubExecutors(0)

	res := h.runner(set, WithVCS(vcs)).Run(context.Background(), issue(12))
	require.True(t, res.Success, res.Error)

	assert.Equal(t, []string{
		"chore(#12): record issue analysis",
		"chore(#12): record implementation plan",
		"feat(#12): implement planned changes",
		"test(#12): integration fixes",
		"docs(#12): pull request updates",
	}, vcs.commits)
	assert.Equal(t, 1, vcs.pushed)
}

func TestRun_FailedNonCriticalPhaseStillCommits(t *testing.T) {
	h := newHarness(t)
	vcs := &fakeVCS{dirty: true, changed: []string{"README.md"}}
	set, _ := testutil.StubExecutors(0)
	set.Integration = testutil.StubPhase(nil, agent.IntegrationVerifier, 0, map[string]string{
		artifact.IntegrationFile: "```json\n{\"buildResult\":{\"pass\":true},\"testResult\":{\"pass\":false}}\n```",
	}, artifact.IntegrationFile)

	res := h.runner(set, WithVCS(vcs)).Run(context.Background(), issue(18))
	require.True(t, res.Success, res.Error)
	assert.False(t, res.Phase(phase.IntegrationVerification).Success)
	assert.Contains(t, vcs.commits, "test(#18): integration fixes")
	assert.Equal(t, "docs(#18): pull request updates", vcs.commits[len(vcs.commits)-1])
	assert.Equal(t, 1, vcs.pushed)
}

func TestRun_CleanTreeMakesNoCommit(t *testing.T) {
	h := newHarness(t)
	vcs := &fakeVCS{dirty: false, changed: []string{"README.md"}}
	set, _ := testutil.StubExecutors(0)

	res := h.runner(set, WithVCS(vcs)).Run(context.Background(), issue(13))
	require.True(t, res.Success, res.Error)
	assert.Empty(t, vcs.commits)
}

func TestRun_NoChangesFailsImplementation(t *testing.T) {
	h := newHarness(t)
	vcs := &fakeVCS{}
	set, _ := testutil.StubExecutors(0)

	res := h.runner(set, WithVCS(vcs)).Run(context.Background(), issue(14))
	assert.False(t, res.Success)
	assert.Equal(t, phase.Implementation, res.FailedPhase)
	assert.Contains(t, res.Phase(phase.Implementation).Gate.Errors, "no changes detected")
}

type fakeMerger struct {
	reqs []depmerge.Request
	err  error
}

func (m *fakeMerger) Merge(_ context.Context, req depmerge.Request) (string, error) {
	m.reqs = append(m.reqs, req)
	if m.err != nil {
		return "", m.err
	}
	return "deadbeef", nil
}

func TestRun_DependencyBaseline(t *testing.T) {
	h := newHarness(t)
	vcs := &fakeVCS{changed: []string{"x.go"}}
	merger := &fakeMerger{}
	lookup := func(_ context.Context, is platform.Issue) ([]depmerge.Dependency, error) {
		var deps []depmerge.Dependency
		for _, n := range is.DependsOn {
			deps = append(deps, depmerge.Dependency{Issue: n, Branch: fmt.Sprintf("convoy/issue-%d", n)})
		}
		return deps, nil
	}
	set, _ := testutil.StubExecutors(0)

	in := issue(15)
	in.Issue.DependsOn = []int{3, 4}
	res := h.runner(set, WithVCS(vcs), WithDependencies(merger, lookup, nil)).Run(context.Background(), in)
	require.True(t, res.Success, res.Error)

	require.Len(t, merger.reqs, 1)
	assert.Equal(t, "abc123", merger.reqs[0].BaseCommit)
	assert.Len(t, merger.reqs[0].Dependencies, 2)
	assert.Equal(t, []string{"deadbeef"}, vcs.merges)

	st, err := h.stores.Issue(15).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", st.DepsCommit)
}

func TestRun_DependencyConflictFailsImplementation(t *testing.T) {
	h := newHarness(t)
	merger := &fakeMerger{err: &depmerge.MergeConflictError{Issue: 16, ConflictingBranch: "convoy/issue-3", Files: []string{"a.go"}}}
	lookup := func(context.Context, platform.Issue) ([]depmerge.Dependency, error) {
		return []depmerge.Dependency{{Issue: 3, Branch: "convoy/issue-3"}}, nil
	}
	set, calls := testutil.StubExecutors(0)

	in := issue(16)
	in.Issue.DependsOn = []int{3}
	res := h.runner(set, WithDependencies(merger, lookup, nil)).Run(context.Background(), in)

	assert.False(t, res.Success)
	assert.Equal(t, phase.Implementation, res.FailedPhase)
	assert.Contains(t, res.Error, "convoy/issue-3")
	assert.Equal(t, int32(0), calls[phase.Implementation].Load())
	assert.Contains(t, h.events, event.TypeDependencyConflict)
}

func TestRun_Duration(t *testing.T) {
	h := newHarness(t)
	set, _ := testutil.StubExecutors(0)
	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	res := h.runner(set, WithClock(clock)).Run(context.Background(), issue(17))
	assert.Positive(t, res.Duration)
	for _, p := range res.Phases {
		assert.Positive(t, p.Duration, p.Name)
	}
}
