package gate

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/phase"
)

const workDir = "/work"

func newInput(t *testing.T, files map[string]any) *Input {
	t.Helper()

	fs := afero.NewMemMapFs()
	dir := artifact.NewDir(fs, "/state/issues/1/artifacts")
	for name, v := range files {
		var text string
		switch v := v.(type) {
		case string:
			text = v
		default:
			rendered, err := artifact.Render(v)
			require.NoError(t, err)
			text = "Notes from the agent.\n\n" + rendered
		}
		_, err := dir.Write(name, text)
		require.NoError(t, err)
	}
	return &Input{Issue: 1, Artifacts: dir, WorkDir: workDir, WorkFs: fs, AmbiguityThreshold: 2}
}

func assertMentions(t *testing.T, msgs []string, substr string) {
	t.Helper()
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return
		}
	}
	t.Errorf("no message mentions %q: %v", substr, msgs)
}

func validAnalysis() artifact.Analysis {
	return artifact.Analysis{
		Requirements: []string{"add --dry-run"},
		ChangeType:   artifact.ChangeFeature,
		Scope:        "cli",
	}
}

func validScout() artifact.Scout {
	return artifact.Scout{RelevantFiles: []artifact.RelevantFile{{Path: "cmd/run.go"}}}
}

func TestAnalysisToPlanning(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		r := AnalysisToPlanning(ctx, newInput(t, map[string]any{
			artifact.AnalysisFile: validAnalysis(),
			artifact.ScoutFile:    validScout(),
		}))
		assert.Equal(t, StatusPass, r.Status)
		assert.Empty(t, r.Errors)
	})

	t.Run("empty requirements fails", func(t *testing.T) {
		a := validAnalysis()
		a.Requirements = nil
		r := AnalysisToPlanning(ctx, newInput(t, map[string]any{
			artifact.AnalysisFile: a,
			artifact.ScoutFile:    validScout(),
		}))
		assert.Equal(t, StatusFail, r.Status)
		assertMentions(t, r.Errors, "requirements")
	})

	t.Run("accumulates every violation", func(t *testing.T) {
		r := AnalysisToPlanning(ctx, newInput(t, map[string]any{
			artifact.AnalysisFile: artifact.Analysis{ChangeType: "rewrite"},
			artifact.ScoutFile:    artifact.Scout{},
		}))
		assert.Equal(t, StatusFail, r.Status)
		assert.Len(t, r.Errors, 4)
		assertMentions(t, r.Errors, "requirements")
		assertMentions(t, r.Errors, `changeType "rewrite"`)
		assertMentions(t, r.Errors, "scope")
		assertMentions(t, r.Errors, "no relevant files")
	})

	t.Run("missing files fail", func(t *testing.T) {
		r := AnalysisToPlanning(ctx, newInput(t, nil))
		assert.Equal(t, StatusFail, r.Status)
		assertMentions(t, r.Errors, "analysis artifact missing")
		assertMentions(t, r.Errors, "scout artifact missing")
	})

	t.Run("missing and malformed blocks are distinct failures", func(t *testing.T) {
		r := AnalysisToPlanning(ctx, newInput(t, map[string]any{
			artifact.AnalysisFile: "I looked around but produced no record.",
			artifact.ScoutFile:    "```json\n{\"relevantFiles\": [\n```",
		}))
		assert.Equal(t, StatusFail, r.Status)
		assertMentions(t, r.Errors, "no fenced json or yaml block")
		assertMentions(t, r.Errors, "malformed")
	})
}

func TestPlanningToImplementation(t *testing.T) {
	ctx := context.Background()

	t.Run("missing files are warnings", func(t *testing.T) {
		in := newInput(t, map[string]any{
			artifact.PlanFile: artifact.Plan{Tasks: []artifact.Task{
				{ID: "t1", Description: "edit", Files: []string{"exists.go"}, AcceptanceCriteria: []string{"ok"}},
				{ID: "t2", Description: "add", Files: []string{"new.go"}, AcceptanceCriteria: []string{"ok"}, DependsOn: []string{"t1"}},
			}},
		})
		require.NoError(t, afero.WriteFile(in.WorkFs, workDir+"/exists.go", []byte("package x"), 0o644))

		r := PlanningToImplementation(ctx, in)
		assert.Equal(t, StatusWarn, r.Status)
		assert.Empty(t, r.Errors)
		require.Len(t, r.Warnings, 1)
		assert.Contains(t, r.Warnings[0], "new.go")
	})

	t.Run("each task violation is reported", func(t *testing.T) {
		r := PlanningToImplementation(ctx, newInput(t, map[string]any{
			artifact.PlanFile: artifact.Plan{Tasks: []artifact.Task{
				{ID: "t1"},
				{ID: "t2", Description: "x", Files: []string{"a.go"}, AcceptanceCriteria: []string{"y"}},
			}},
		}))
		assert.Equal(t, StatusFail, r.Status)
		assert.Len(t, r.Errors, 3)
		assertMentions(t, r.Errors, "task t1 has an empty description")
		assertMentions(t, r.Errors, "task t1 lists no files")
		assertMentions(t, r.Errors, "task t1 has no acceptance criteria")
	})

	t.Run("cycle fails", func(t *testing.T) {
		task := func(id, dep string) artifact.Task {
			return artifact.Task{ID: id, Description: "d", Files: []string{"f"}, AcceptanceCriteria: []string{"c"}, DependsOn: []string{dep}}
		}
		in := newInput(t, map[string]any{
			artifact.PlanFile: artifact.Plan{Tasks: []artifact.Task{task("a", "b"), task("b", "a")}},
		})
		in.WorkFs = nil
		r := PlanningToImplementation(ctx, in)
		assert.Equal(t, StatusFail, r.Status)
		assertMentions(t, r.Errors, "dependency cycle")
	})

	t.Run("dangling dependency fails", func(t *testing.T) {
		in := newInput(t, map[string]any{
			artifact.PlanFile: artifact.Plan{Tasks: []artifact.Task{
				{ID: "a", Description: "d", Files: []string{"f"}, AcceptanceCriteria: []string{"c"}, DependsOn: []string{"ghost"}},
			}},
		})
		in.WorkFs = nil
		r := PlanningToImplementation(ctx, in)
		assert.Equal(t, StatusFail, r.Status)
		assertMentions(t, r.Errors, "ghost")
	})

	t.Run("empty plan fails", func(t *testing.T) {
		r := PlanningToImplementation(ctx, newInput(t, map[string]any{artifact.PlanFile: artifact.Plan{}}))
		assert.Equal(t, StatusFail, r.Status)
		assertMentions(t, r.Errors, "no tasks")
	})
}

type stubChanges struct {
	files []string
	err   error
	base  string
}

func (s *stubChanges) ChangedFilesSince(_ context.Context, _, base string) ([]string, error) {
	s.base = base
	return s.files, s.err
}

func TestImplementationToIntegration(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		changes ChangeDetector
		want    Status
		mention string
	}{
		{"changes present", &stubChanges{files: []string{"a.go"}}, StatusPass, ""},
		{"no changes", &stubChanges{}, StatusFail, "no changes detected"},
		{"not version controlled", nil, StatusWarn, "not a git repository"},
		{"git reports non-repo", &stubChanges{err: errors.ErrNotGitRepository}, StatusWarn, "not a git repository"},
		{"git failure", &stubChanges{err: errors.New("boom")}, StatusFail, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newInput(t, nil)
			in.Changes = tt.changes
			r := ImplementationToIntegration(ctx, in)
			assert.Equal(t, tt.want, r.Status)
			if tt.mention != "" {
				assertMentions(t, append(r.Errors, r.Warnings...), tt.mention)
			}
		})
	}

	stub := &stubChanges{files: []string{"x"}}
	in := newInput(t, nil)
	in.Changes = stub
	in.BaseCommit = "abc123"
	ImplementationToIntegration(ctx, in)
	assert.Equal(t, "abc123", stub.base)
}

func TestIntegrationToPR(t *testing.T) {
	ctx := context.Background()
	pass := artifact.CheckResult{Pass: true}

	t.Run("tests failed", func(t *testing.T) {
		r := IntegrationToPR(ctx, newInput(t, map[string]any{
			artifact.IntegrationFile: artifact.IntegrationReport{BuildResult: pass, TestResult: artifact.CheckResult{Pass: false}},
		}))
		assert.Equal(t, StatusFail, r.Status)
		assertMentions(t, r.Errors, "tests failed")
	})

	t.Run("baseline failures only warn", func(t *testing.T) {
		r := IntegrationToPR(ctx, newInput(t, map[string]any{
			artifact.IntegrationFile: artifact.IntegrationReport{
				BuildResult:      pass,
				TestResult:       pass,
				BaselineFailures: []string{"TestFlakyNetwork"},
			},
		}))
		assert.Equal(t, StatusWarn, r.Status)
		assert.True(t, r.Passed())
		assert.Empty(t, r.Errors)
		assertMentions(t, r.Warnings, "TestFlakyNetwork")
	})

	t.Run("build, tests and regressions are distinct errors", func(t *testing.T) {
		r := IntegrationToPR(ctx, newInput(t, map[string]any{
			artifact.IntegrationFile: artifact.IntegrationReport{NewRegressions: []string{"TestA"}},
		}))
		assert.Len(t, r.Errors, 3)
		assertMentions(t, r.Errors, "build failed")
		assertMentions(t, r.Errors, "TestA")
	})

	t.Run("missing report fails", func(t *testing.T) {
		r := IntegrationToPR(ctx, newInput(t, nil))
		assert.Equal(t, StatusFail, r.Status)
	})
}

func TestAmbiguity(t *testing.T) {
	ctx := context.Background()
	withAmbiguities := func(n int) artifact.Analysis {
		a := validAnalysis()
		for i := 0; i < n; i++ {
			a.Ambiguities = append(a.Ambiguities, artifact.Ambiguity{Question: "?"})
		}
		return a
	}

	tests := []struct {
		name  string
		files map[string]any
		halt  bool
		want  Status
	}{
		{"missing analysis warns", nil, true, StatusWarn},
		{"none passes", map[string]any{artifact.AnalysisFile: withAmbiguities(0)}, true, StatusPass},
		{"under threshold warns", map[string]any{artifact.AnalysisFile: withAmbiguities(2)}, true, StatusWarn},
		{"over threshold without halt warns", map[string]any{artifact.AnalysisFile: withAmbiguities(5)}, false, StatusWarn},
		{"over threshold with halt fails", map[string]any{artifact.AnalysisFile: withAmbiguities(3)}, true, StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newInput(t, tt.files)
			in.HaltOnAmbiguity = tt.halt
			assert.Equal(t, tt.want, Ambiguity(ctx, in).Status)
		})
	}
}

func TestFor(t *testing.T) {
	in := newInput(t, map[string]any{
		artifact.AnalysisFile: artifact.Analysis{
			Requirements: []string{"r"},
			ChangeType:   artifact.ChangeBugfix,
			Scope:        "s",
			Ambiguities:  []artifact.Ambiguity{{Question: "which flag?"}},
		},
		artifact.ScoutFile: validScout(),
		artifact.PRFile:    artifact.PRDraft{Title: "Fix it"},
	})

	r := For(phase.Analysis)(context.Background(), in)
	assert.Equal(t, StatusWarn, r.Status, "ambiguity warning merged into analysis gate")

	r = For(phase.PRComposition)(context.Background(), in)
	assert.Equal(t, StatusFail, r.Status)
	assertMentions(t, r.Errors, "body")

	for _, id := range phase.All() {
		assert.NotNil(t, For(id))
	}
	assert.Panics(t, func() { For(phase.ID(9)) })
}

func TestResult(t *testing.T) {
	r := newResult("x")
	assert.Equal(t, "x gate passed", r.Summary())
	r.Warnf("w%d", 1)
	assert.Equal(t, StatusWarn, r.Status)
	other := newResult("y")
	other.Failf("bad")
	r.Merge(other)
	assert.Equal(t, StatusFail, r.Status)
	assert.False(t, r.Passed())
	assert.Equal(t, "x gate failed: bad", r.Summary())
}
