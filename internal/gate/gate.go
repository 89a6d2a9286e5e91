package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/phase"
	"github.com/Iron-Ham/convoy/internal/taskgraph"
)

// ChangeDetector lists files that differ from a base commit, including
// uncommitted and untracked changes.
type ChangeDetector interface {
	ChangedFilesSince(ctx context.Context, dir, base string) ([]string, error)
}

// Input is what a gate validates.
type Input struct {
	Issue int
	// Artifacts is the issue's artifact directory.
	Artifacts *artifact.Dir
	// WorkDir is the issue's working tree.
	WorkDir string
	// WorkFs is the filesystem WorkDir lives on.
	WorkFs afero.Fs
	// BaseCommit is what implementation changes are measured against.
	// Empty means HEAD.
	BaseCommit string
	// Changes is nil when WorkDir is not under version control.
	Changes ChangeDetector

	AmbiguityThreshold int
	HaltOnAmbiguity    bool
}

// Gate validates the artifacts of one phase.
type Gate func(ctx context.Context, in *Input) *Result

// For returns the gate that guards the transition out of id. The analysis
// gate also runs the ambiguity check.
func For(id phase.ID) Gate {
	switch id {
	case phase.Analysis:
		return func(ctx context.Context, in *Input) *Result {
			r := AnalysisToPlanning(ctx, in)
			r.Merge(Ambiguity(ctx, in))
			return r
		}
	case phase.Planning:
		return PlanningToImplementation
	case phase.Implementation:
		return ImplementationToIntegration
	case phase.IntegrationVerification:
		return IntegrationToPR
	case phase.PRComposition:
		return PRReady
	default:
		panic(fmt.Sprintf("gate: no gate for phase %d", int(id)))
	}
}

// load decodes an artifact and records a failure describing why it could not.
func load[T any](r *Result, in *Input, label, name string) *T {
	v, err := artifact.Load[T](in.Artifacts, name)
	switch {
	case err == nil:
		return v
	case errors.Is(err, os.ErrNotExist):
		r.Failf("%s artifact missing: %s", label, name)
	case errors.Is(err, artifact.ErrNoBlock):
		r.Failf("%s artifact %s has no fenced json or yaml block", label, name)
	default:
		var me *artifact.MalformedError
		if errors.As(err, &me) {
			r.Failf("%s artifact %s is malformed: %v", label, name, me.Err)
		} else {
			r.Failf("%s artifact %s could not be read: %v", label, name, err)
		}
	}
	return nil
}

// AnalysisToPlanning requires a structured analysis with requirements, a
// known change type and a scope, plus a scout survey naming at least one
// relevant file.
func AnalysisToPlanning(_ context.Context, in *Input) *Result {
	r := newResult("analysis")

	if a := load[artifact.Analysis](r, in, "analysis", artifact.AnalysisFile); a != nil {
		if len(nonBlank(a.Requirements)) == 0 {
			r.Failf("analysis requirements list is empty")
		}
		switch {
		case a.ChangeType == "":
			r.Failf("analysis changeType is missing")
		case !a.ChangeType.Valid():
			r.Failf("analysis changeType %q is not one of %s", a.ChangeType, joinTypes(artifact.ChangeTypes()))
		}
		if strings.TrimSpace(a.Scope) == "" {
			r.Failf("analysis scope is missing")
		}
	}

	if s := load[artifact.Scout](r, in, "scout", artifact.ScoutFile); s != nil {
		if len(s.RelevantFiles) == 0 {
			r.Failf("scout found no relevant files")
		}
		for i, f := range s.RelevantFiles {
			if strings.TrimSpace(f.Path) == "" {
				r.Failf("scout relevant file #%d has an empty path", i+1)
			}
		}
	}

	return r
}

// PlanningToImplementation requires at least one well-formed task and an
// acyclic dependency graph. Files that do not exist yet are warnings since
// implementation may create them.
func PlanningToImplementation(_ context.Context, in *Input) *Result {
	r := newResult("planning")

	p := load[artifact.Plan](r, in, "plan", artifact.PlanFile)
	if p == nil {
		return r
	}
	if len(p.Tasks) == 0 {
		r.Failf("plan contains no tasks")
		return r
	}

	for i, t := range p.Tasks {
		label := t.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if strings.TrimSpace(t.Description) == "" {
			r.Failf("task %s has an empty description", label)
		}
		if len(nonBlank(t.Files)) == 0 {
			r.Failf("task %s lists no files", label)
		}
		if len(nonBlank(t.AcceptanceCriteria)) == 0 {
			r.Failf("task %s has no acceptance criteria", label)
		}
		if in.WorkFs != nil && in.WorkDir != "" {
			for _, f := range nonBlank(t.Files) {
				if ok, err := afero.Exists(in.WorkFs, filepath.Join(in.WorkDir, f)); err == nil && !ok {
					r.Warnf("task %s references %s which does not exist yet", label, f)
				}
			}
		}
	}

	if _, err := taskgraph.New(p.Nodes()); err != nil {
		r.Failf("plan dependency graph is invalid: %v", err)
	}

	return r
}

// ImplementationToIntegration requires at least one changed file. Outside
// version control the check cannot run and degrades to a warning.
func ImplementationToIntegration(ctx context.Context, in *Input) *Result {
	r := newResult("implementation")

	if in.Changes == nil {
		r.Warnf("working tree is not a git repository; change detection skipped")
		return r
	}

	base := in.BaseCommit
	if base == "" {
		base = "HEAD"
	}
	files, err := in.Changes.ChangedFilesSince(ctx, in.WorkDir, base)
	switch {
	case errors.Is(err, errors.ErrNotGitRepository):
		r.Warnf("working tree is not a git repository; change detection skipped")
	case err != nil:
		r.Failf("could not detect changes: %v", err)
	case len(files) == 0:
		r.Failf("no changes detected")
	}
	return r
}

// IntegrationToPR requires passing build and tests and no new regressions.
// Failures that already existed on the base branch are only warnings.
func IntegrationToPR(_ context.Context, in *Input) *Result {
	r := newResult("integration")

	rep := load[artifact.IntegrationReport](r, in, "integration", artifact.IntegrationFile)
	if rep == nil {
		return r
	}
	if !rep.BuildResult.Pass {
		r.Failf("build failed")
	}
	if !rep.TestResult.Pass {
		r.Failf("tests failed")
	}
	if regs := nonBlank(rep.NewRegressions); len(regs) > 0 {
		r.Failf("new regressions: %s", strings.Join(regs, ", "))
	}
	if base := nonBlank(rep.BaselineFailures); len(base) > 0 {
		r.Warnf("pre-existing baseline failures: %s", strings.Join(base, ", "))
	}
	return r
}

// PRReady requires a PR draft with a title and a body.
func PRReady(_ context.Context, in *Input) *Result {
	r := newResult("pr")

	d := load[artifact.PRDraft](r, in, "pr", artifact.PRFile)
	if d == nil {
		return r
	}
	if strings.TrimSpace(d.Title) == "" {
		r.Failf("pr draft title is empty")
	}
	if strings.TrimSpace(d.Body) == "" {
		r.Failf("pr draft body is empty")
	}
	return r
}

// Ambiguity counts the open questions recorded by the analysis. A count
// over the threshold fails only when HaltOnAmbiguity is set; otherwise any
// ambiguity is a warning.
func Ambiguity(_ context.Context, in *Input) *Result {
	r := newResult("ambiguity")

	a, err := artifact.Load[artifact.Analysis](in.Artifacts, artifact.AnalysisFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.Warnf("analysis artifact missing; ambiguity count unknown")
		} else {
			r.Warnf("analysis artifact unreadable; ambiguity count unknown")
		}
		return r
	}

	n := len(a.Ambiguities)
	switch {
	case n > in.AmbiguityThreshold && in.HaltOnAmbiguity:
		r.Failf("%d ambiguities exceed threshold of %d", n, in.AmbiguityThreshold)
	case n > in.AmbiguityThreshold:
		r.Warnf("%d ambiguities exceed threshold of %d", n, in.AmbiguityThreshold)
	case n > 0:
		r.Warnf("%d ambiguities recorded", n)
	}
	return r
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func joinTypes(types []artifact.ChangeType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}
