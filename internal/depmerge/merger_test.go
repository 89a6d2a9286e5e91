package depmerge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/testutil"
	"github.com/Iron-Ham/convoy/internal/worktree"
)

type fixture struct {
	repo   string
	base   string
	git    *worktree.Git
	merger *Merger
	stores *checkpoint.Stores
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testutil.SkipIfNoGit(t)

	repo := testutil.SetupTestRepoWithContent(t, map[string]string{"shared.txt": "base\n"})
	g, err := worktree.NewGit(repo)
	require.NoError(t, err)
	stores := checkpoint.NewStores(afero.NewOsFs(), filepath.Join(t.TempDir(), "state"))
	return &fixture{
		repo:   repo,
		base:   testutil.HeadSHA(t, repo),
		git:    g,
		stores: stores,
		merger: NewMerger(g, stores, Options{BranchPrefix: "convoy"}, nil),
	}
}

func (f *fixture) deps(t *testing.T, specs ...[2]string) []Dependency {
	t.Helper()
	var out []Dependency
	for i, s := range specs {
		branch := "convoy/issue-" + string(rune('1'+i))
		testutil.BranchWithFile(t, f.repo, branch, s[0], s[1])
		out = append(out, Dependency{Issue: i + 1, Branch: branch})
	}
	return out
}

func (f *fixture) tempWorktrees(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, wt := range testutil.ListWorktrees(t, f.repo) {
		if strings.HasSuffix(wt, "-deps") {
			out = append(out, wt)
		}
	}
	return out
}

func TestMerge_NoConflicts(t *testing.T) {
	f := newFixture(t)
	deps := f.deps(t, [2]string{"a.txt", "a\n"}, [2]string{"b.txt", "b\n"}, [2]string{"c.txt", "c\n"})

	sha, err := f.merger.Merge(context.Background(), Request{Issue: 10, Dependencies: deps, BaseCommit: f.base})
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	// Three merge commits on top of base, applied in the supplied order.
	subjects := testutil.Git(t, f.repo, "log", "--first-parent", "--reverse", "--format=%s", f.base+".."+sha)
	assert.Equal(t, []string{
		"Merge convoy/issue-1 into convoy/issue-10-deps",
		"Merge convoy/issue-2 into convoy/issue-10-deps",
		"Merge convoy/issue-3 into convoy/issue-10-deps",
	}, strings.Split(subjects, "\n"))
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		testutil.Git(t, f.repo, "cat-file", "-e", sha+":"+name)
	}

	assert.Empty(t, f.tempWorktrees(t), "temporary worktree removed")
	assert.Equal(t, sha, testutil.Git(t, f.repo, "rev-parse", "convoy/issue-10-deps"))

	rec, err := f.merger.ReadConflict(10)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMerge_ConflictOnSecondStopsBeforeThird(t *testing.T) {
	f := newFixture(t)
	deps := f.deps(t,
		[2]string{"shared.txt", "first\n"},
		[2]string{"shared.txt", "second\n"},
		[2]string{"c.txt", "c\n"},
	)

	var calls int
	resolver := ResolverFunc(func(context.Context, *Conflict) (bool, error) {
		calls++
		return false, nil
	})

	_, err := f.merger.Merge(context.Background(), Request{Issue: 11, Dependencies: deps, BaseCommit: f.base, Resolver: resolver})
	var mce *MergeConflictError
	require.True(t, errors.As(err, &mce), "err = %v", err)
	assert.ErrorIs(t, err, errors.ErrMergeConflict)
	assert.Equal(t, 11, mce.Issue)
	assert.Equal(t, "convoy/issue-2", mce.ConflictingBranch)
	assert.Equal(t, []string{"shared.txt"}, mce.Files)
	assert.Equal(t, 1, calls)

	assert.False(t, testutil.BranchExists(t, f.repo, "convoy/issue-11-deps"), "half-built deps branch deleted")
	assert.Empty(t, f.tempWorktrees(t))

	rec, err := f.merger.ReadConflict(11)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "convoy/issue-2", rec.ConflictingBranch)
	assert.Equal(t, []string{"shared.txt"}, rec.Files)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestMerge_NilResolverDeclines(t *testing.T) {
	f := newFixture(t)
	deps := f.deps(t, [2]string{"shared.txt", "x\n"}, [2]string{"shared.txt", "y\n"})

	_, err := f.merger.Merge(context.Background(), Request{Issue: 12, Dependencies: deps, BaseCommit: f.base})
	assert.ErrorIs(t, err, errors.ErrMergeConflict)
}

func TestMerge_ResolverFixesConflict(t *testing.T) {
	f := newFixture(t)
	deps := f.deps(t,
		[2]string{"shared.txt", "first\n"},
		[2]string{"shared.txt", "second\n"},
		[2]string{"c.txt", "c\n"},
	)

	resolver := ResolverFunc(func(_ context.Context, c *Conflict) (bool, error) {
		return true, os.WriteFile(filepath.Join(c.WorktreePath, "shared.txt"), []byte("first\nsecond\n"), 0o644)
	})

	sha, err := f.merger.Merge(context.Background(), Request{Issue: 13, Dependencies: deps, BaseCommit: f.base, Resolver: resolver})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", testutil.Git(t, f.repo, "show", sha+":shared.txt"))
	testutil.Git(t, f.repo, "cat-file", "-e", sha+":c.txt")
	assert.Empty(t, f.tempWorktrees(t))

	// The conflict record stays as a trace of what was resolved.
	rec, err := f.merger.ReadConflict(13)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

// scriptedGit conflicts on one branch and fails every commit.
type scriptedGit struct {
	conflictOn string
	merges     []string
	deleted    []string
	removed    []string
	aborted    int
}

func (g *scriptedGit) BranchExists(context.Context, string) bool { return false }
func (g *scriptedGit) CreateBranchAt(context.Context, string, string) error { return nil }
func (g *scriptedGit) AddWorktree(context.Context, string, string) error { return nil }
func (g *scriptedGit) HeadSHA(context.Context, string) (string, error) { return "cafe", nil }
func (g *scriptedGit) ConflictingFiles(context.Context, string) ([]string, error) {
	return []string{"shared.txt"}, nil
}

func (g *scriptedGit) DeleteBranch(_ context.Context, branch string) error {
	g.deleted = append(g.deleted, branch)
	return nil
}

func (g *scriptedGit) RemoveWorktree(_ context.Context, path string) error {
	g.removed = append(g.removed, path)
	return nil
}

func (g *scriptedGit) Merge(_ context.Context, _, branch, _ string) error {
	g.merges = append(g.merges, branch)
	if branch == g.conflictOn {
		return errors.NewGitError("merge conflict with "+branch, errors.ErrMergeConflict).WithBranch(branch)
	}
	return nil
}

func (g *scriptedGit) AbortMerge(context.Context, string) error {
	g.aborted++
	return nil
}

func (g *scriptedGit) CommitAll(context.Context, string, string) (bool, error) {
	return false, errors.New("pre-commit hook rejected the merge")
}

func TestMerge_ResolvedButCommitFails(t *testing.T) {
	git := &scriptedGit{conflictOn: "convoy/issue-2"}
	tmp := t.TempDir()
	m := NewMerger(git, checkpoint.NewStores(afero.NewMemMapFs(), "/state"), Options{BranchPrefix: "convoy", TempDir: tmp}, nil)
	deps := []Dependency{
		{Issue: 1, Branch: "convoy/issue-1"},
		{Issue: 2, Branch: "convoy/issue-2"},
		{Issue: 3, Branch: "convoy/issue-3"},
	}

	var calls int
	resolver := ResolverFunc(func(context.Context, *Conflict) (bool, error) {
		calls++
		return true, nil
	})

	_, err := m.Merge(context.Background(), Request{Issue: 20, Dependencies: deps, BaseCommit: "abc", Resolver: resolver})
	var mce *MergeConflictError
	require.True(t, errors.As(err, &mce), "err = %v", err)
	assert.Equal(t, 20, mce.Issue)
	assert.Equal(t, "convoy/issue-2", mce.ConflictingBranch)
	assert.Equal(t, 1, calls)

	assert.Equal(t, []string{"convoy/issue-1", "convoy/issue-2"}, git.merges, "no merge after the failed one")
	assert.Equal(t, []string{"convoy/issue-20-deps"}, git.deleted)
	assert.Equal(t, []string{filepath.Join(tmp, "issue-20-deps")}, git.removed)
	assert.Equal(t, 1, git.aborted)

	rec, err := m.ReadConflict(20)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "convoy/issue-2", rec.ConflictingBranch)
}

func TestMerge_ReusesDepsBranch(t *testing.T) {
	f := newFixture(t)
	deps := f.deps(t, [2]string{"a.txt", "a\n"})

	first, err := f.merger.Merge(context.Background(), Request{Issue: 14, Dependencies: deps, BaseCommit: f.base})
	require.NoError(t, err)

	second, err := f.merger.Merge(context.Background(), Request{Issue: 14, Dependencies: deps})
	require.NoError(t, err)
	assert.Equal(t, first, second, "already-merged dependencies are a no-op on resume")
}

func TestMerge_NoDependencies(t *testing.T) {
	m := NewMerger(nil, checkpoint.NewStores(afero.NewMemMapFs(), "/state"), Options{BranchPrefix: "convoy"}, nil)
	sha, err := m.Merge(context.Background(), Request{Issue: 1, BaseCommit: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", sha)
}

func TestAgentResolver(t *testing.T) {
	dir := t.TempDir()
	conflict := &Conflict{
		Record:       ConflictRecord{Issue: 5, ConflictingBranch: "convoy/issue-2", Files: []string{"x.txt"}},
		Dependency:   Dependency{Issue: 2, Branch: "convoy/issue-2"},
		WorktreePath: dir,
	}
	write := func(content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte(content), 0o644))
	}

	var got agent.Invocation
	launcher := agent.LauncherFunc(func(_ context.Context, inv agent.Invocation) (*agent.Result, error) {
		got = inv
		return &agent.Result{Success: true}, nil
	})
	r := NewAgentResolver(launcher, nil)

	write("<<<<<<< HEAD\na\n=======\nb\n>>>>>>> convoy/issue-2\n")
	ok, err := r.Resolve(context.Background(), conflict)
	require.NoError(t, err)
	assert.False(t, ok, "markers remain")
	assert.Equal(t, agent.ConflictResolver, got.Agent)
	assert.Equal(t, dir, got.WorkDir)
	assert.Contains(t, got.Prompt, "x.txt")

	write("a\nb\n")
	ok, err = r.Resolve(context.Background(), conflict)
	require.NoError(t, err)
	assert.True(t, ok)
}
