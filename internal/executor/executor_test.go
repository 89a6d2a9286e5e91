package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/phase"
	"github.com/Iron-Ham/convoy/internal/platform"
)

type fakeProgress struct {
	mu     sync.Mutex
	usage  map[agent.ID]int64
	states map[string][]TaskState
	done   map[string]bool
	limit  int64
	spent  int64
}

func newFakeProgress() *fakeProgress {
	return &fakeProgress{usage: map[agent.ID]int64{}, states: map[string][]TaskState{}, done: map[string]bool{}}
}

func (p *fakeProgress) RecordUsage(_ context.Context, id agent.ID, u *budget.Usage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage[id] += u.Tokens()
	p.spent += u.Tokens()
	if p.limit > 0 && p.spent > p.limit {
		return &budget.ExceededError{Spent: p.spent, Limit: p.limit}
	}
	return nil
}

func (p *fakeProgress) TaskDone(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[id]
}

func (p *fakeProgress) MarkTask(_ context.Context, id string, s TaskState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[id] = append(p.states[id], s)
	return nil
}

func (p *fakeProgress) last(id string) (TaskState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.states[id]
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// scriptedLauncher answers each invocation with a canned output keyed by
// agent, or by task id for implementers.
type scriptedLauncher struct {
	mu      sync.Mutex
	outputs map[string]string
	fail    map[string]bool
	calls   []agent.Invocation
}

func (l *scriptedLauncher) Launch(_ context.Context, inv agent.Invocation) (*agent.Result, error) {
	l.mu.Lock()
	l.calls = append(l.calls, inv)
	l.mu.Unlock()

	key := string(inv.Agent)
	if inv.TaskID != "" {
		key = inv.TaskID
	}
	usage := &budget.Usage{Input: 100, Output: 50}
	if l.fail[key] {
		return &agent.Result{Success: false, ExitCode: 1, Usage: usage}, fmt.Errorf("exit status 1")
	}
	return &agent.Result{Success: true, Output: l.outputs[key], Usage: usage}, nil
}

func (l *scriptedLauncher) agents() []agent.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]agent.ID, len(l.calls))
	for i, c := range l.calls {
		out[i] = c.Agent
	}
	return out
}

func newContext(t *testing.T, ph phase.ID, progress Progress) *Context {
	t.Helper()
	return &Context{
		Issue:     platform.Issue{Number: 7, Title: "Add cache", Body: "Cache lookups."},
		Phase:     ph,
		WorkDir:   "/work",
		Artifacts: artifact.NewDir(afero.NewMemMapFs(), "/state/issues/7/artifacts"),
		Progress:  progress,
	}
}

func TestAnalysisExecutor_RunsAnalystThenScout(t *testing.T) {
	l := &scriptedLauncher{outputs: map[string]string{
		"analyst": "analysis\n```json\n{\"summary\":\"s\",\"requirements\":[\"r\"]}\n```\n",
		"scout":   "scout\n```json\n{\"relevantFiles\":[{\"path\":\"a.go\"}]}\n```\n",
	}}
	progress := newFakeProgress()
	ec := newContext(t, phase.Analysis, progress)

	path, err := NewAgentSet(l, Options{}).Analysis.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, ec.Artifacts.Path(artifact.AnalysisFile), path)
	assert.Equal(t, []agent.ID{agent.Analyst, agent.Scout}, l.agents())
	assert.True(t, ec.Artifacts.Exists(artifact.ScoutFile))

	assert.Contains(t, l.calls[1].Prompt, "\"summary\":\"s\"", "scout prompt should include the analysis")
	assert.Equal(t, "/work", l.calls[0].WorkDir)
	assert.Equal(t, int64(150), progress.usage[agent.Analyst])
	assert.Equal(t, int64(150), progress.usage[agent.Scout])
}

func TestAnalysisExecutor_AgentFailure(t *testing.T) {
	l := &scriptedLauncher{fail: map[string]bool{"analyst": true}}
	progress := newFakeProgress()
	_, err := NewAgentSet(l, Options{}).Analysis.Execute(context.Background(), newContext(t, phase.Analysis, progress))
	require.Error(t, err)
	assert.Equal(t, []agent.ID{agent.Analyst}, l.agents())
	assert.Equal(t, int64(150), progress.usage[agent.Analyst], "usage of a failed run still counts")
}

const threeTaskPlan = "```json\n" + `{
  "summary": "plan",
  "tasks": [
    {"id": "t1", "name": "one", "description": "d", "files": ["a.go"], "acceptanceCriteria": ["x"]},
    {"id": "t2", "name": "two", "description": "d", "files": ["b.go"], "dependsOn": ["t1"], "acceptanceCriteria": ["x"]},
    {"id": "t3", "name": "three", "description": "d", "files": ["c.go"], "acceptanceCriteria": ["x"]}
  ]
}` + "\n```\n"

func TestImplementationExecutor_RunsAllTasks(t *testing.T) {
	l := &scriptedLauncher{outputs: map[string]string{
		"t1": "```json\n{\"taskId\":\"t1\",\"status\":\"done\",\"filesChanged\":[\"a.go\"]}\n```",
	}}
	progress := newFakeProgress()
	ec := newContext(t, phase.Implementation, progress)
	_, err := ec.Artifacts.Write(artifact.PlanFile, threeTaskPlan)
	require.NoError(t, err)

	path, err := NewAgentSet(l, Options{MaxParallelAgents: 2}).Implementation.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, ec.Artifacts.Path(artifact.ImplementationFile), path)
	assert.Len(t, l.calls, 3)

	// t2 depends on t1, so it must have been launched after t1.
	var order []string
	for _, c := range l.calls {
		order = append(order, c.TaskID)
	}
	assert.Less(t, indexOf(order, "t1"), indexOf(order, "t2"))

	impl, err := artifact.Load[artifact.Implementation](ec.Artifacts, artifact.ImplementationFile)
	require.NoError(t, err)
	require.Len(t, impl.Tasks, 3)
	for _, id := range []string{"t1", "t2", "t3"} {
		s, ok := progress.last(id)
		require.True(t, ok, id)
		assert.Equal(t, TaskCompleted, s, id)
	}
}

func TestImplementationExecutor_FailureBlocksDownstream(t *testing.T) {
	l := &scriptedLauncher{fail: map[string]bool{"t1": true}}
	progress := newFakeProgress()
	ec := newContext(t, phase.Implementation, progress)
	_, err := ec.Artifacts.Write(artifact.PlanFile, threeTaskPlan)
	require.NoError(t, err)

	_, err = NewAgentSet(l, Options{MaxParallelAgents: 2}).Implementation.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t1")

	s, _ := progress.last("t1")
	assert.Equal(t, TaskFailed, s)
	s, _ = progress.last("t2")
	assert.Equal(t, TaskBlocked, s)
	s, _ = progress.last("t3")
	assert.Equal(t, TaskCompleted, s)

	text, err := ec.Artifacts.Read(artifact.ImplementationFile)
	require.NoError(t, err)
	assert.Contains(t, text, "t2: blocked")
}

func TestImplementationExecutor_SkipsCompletedTasks(t *testing.T) {
	l := &scriptedLauncher{}
	progress := newFakeProgress()
	progress.done["t1"] = true
	ec := newContext(t, phase.Implementation, progress)
	_, err := ec.Artifacts.Write(artifact.PlanFile, threeTaskPlan)
	require.NoError(t, err)

	_, err = NewAgentSet(l, Options{MaxParallelAgents: 1}).Implementation.Execute(context.Background(), ec)
	require.NoError(t, err)
	for _, c := range l.calls {
		assert.NotEqual(t, "t1", c.TaskID)
	}
	assert.Len(t, l.calls, 2)
}

func TestImplementationExecutor_BudgetStops(t *testing.T) {
	l := &scriptedLauncher{}
	progress := newFakeProgress()
	progress.limit = 100
	ec := newContext(t, phase.Implementation, progress)
	_, err := ec.Artifacts.Write(artifact.PlanFile, threeTaskPlan)
	require.NoError(t, err)

	_, err = NewAgentSet(l, Options{MaxParallelAgents: 1}).Implementation.Execute(context.Background(), ec)
	var exceeded *budget.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.False(t, ec.Artifacts.Exists(artifact.ImplementationFile))
}

func TestImplementationExecutor_MissingPlan(t *testing.T) {
	_, err := NewAgentSet(&scriptedLauncher{}, Options{}).Implementation.Execute(context.Background(),
		newContext(t, phase.Implementation, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan")
}

func TestPrompts_Render(t *testing.T) {
	task := &artifact.Task{ID: "t9", Name: "wire", Files: []string{"x.go"}, AcceptanceCriteria: []string{"compiles"}}
	out, err := render(implementerPrompt, promptData{Issue: platform.Issue{Number: 3, Title: "T"}, Task: task})
	require.NoError(t, err)
	assert.Contains(t, out, "Issue #3: T")
	assert.Contains(t, out, "- x.go")
	assert.Contains(t, out, `"taskId": "t9"`)

	out, err = render(analystPrompt, promptData{Issue: platform.Issue{Number: 3}})
	require.NoError(t, err)
	assert.Contains(t, out, "feature, bugfix")
	assert.True(t, strings.Contains(out, "```json"))
}

func TestSet_For(t *testing.T) {
	s := NewAgentSet(&scriptedLauncher{}, Options{})
	for _, id := range phase.All() {
		assert.NotNil(t, s.For(id), id.String())
	}
	assert.Panics(t, func() { s.For(phase.ID(9)) })
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
