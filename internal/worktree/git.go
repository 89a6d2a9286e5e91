// Package worktree wraps the git binary and provisions one isolated worktree
// and branch per issue.
//
// All git interaction goes through a CommandRunner so tests can substitute a
// fake, and every command honors context cancellation.
package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/convoy/internal/errors"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	// Run executes git with args in dir and returns combined output.
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// ExecRunner runs the real git binary.
type ExecRunner struct {
	// Env is appended to the process environment for every command.
	Env []string
}

// Run executes git with args in dir.
func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	return cmd.CombinedOutput()
}

// Git runs git commands against one repository.
type Git struct {
	repoDir string
	runner  CommandRunner
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// .git may be a directory (normal repo) or a file (linked worktree).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.ErrNotGitRepository
		}
		dir = parent
	}
}

// NewGit returns a Git for the repository containing repoDir.
func NewGit(repoDir string) (*Git, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, errors.NewGitError("not a git repository: "+repoDir, err)
	}
	return &Git{repoDir: root, runner: ExecRunner{}}, nil
}

// NewGitWithRunner returns a Git that executes commands through runner.
// No repository discovery is performed.
func NewGitWithRunner(repoDir string, runner CommandRunner) *Git {
	return &Git{repoDir: repoDir, runner: runner}
}

// run executes git in dir and wraps failures in a GitError carrying the
// command and its output.
func (g *Git) run(ctx context.Context, dir, msg string, args ...string) (string, error) {
	if dir == "" {
		dir = g.repoDir
	}
	out, err := g.runner.Run(ctx, dir, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return string(out), errors.NewGitError(msg, ctxErr).WithArgs(args...)
		}
		if strings.Contains(string(out), "not a git repository") {
			err = errors.ErrNotGitRepository
		}
		return string(out), errors.NewGitError(msg, err).WithArgs(args...).WithGitOutput(string(out))
	}
	return string(out), nil
}

func lines(out string) []string {
	out = strings.TrimSpace(out)
	if out == "" {
		return []string{}
	}
	return strings.Split(out, "\n")
}

// RevParse resolves rev to a full commit SHA.
func (g *Git) RevParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := g.run(ctx, dir, "failed to resolve "+rev, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HeadSHA returns the commit SHA of HEAD in dir.
func (g *Git) HeadSHA(ctx context.Context, dir string) (string, error) {
	return g.RevParse(ctx, dir, "HEAD")
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, branch string) bool {
	_, err := g.runner.Run(ctx, g.repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// FindMainBranch returns "main" if it exists, otherwise "master".
func (g *Git) FindMainBranch(ctx context.Context) string {
	if g.BranchExists(ctx, "main") {
		return "main"
	}
	return "master"
}

// CreateBranchAt creates branch pointing at commit without checking it out.
func (g *Git) CreateBranchAt(ctx context.Context, branch, commit string) error {
	_, err := g.run(ctx, "", "failed to create branch", "branch", branch, commit)
	if err != nil {
		var gitErr *errors.GitError
		if errors.As(err, &gitErr) {
			gitErr.WithBranch(branch)
		}
	}
	return err
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "", "failed to delete branch "+branch, "branch", "-D", branch)
	return err
}

// AddWorktree checks out an existing branch into a new worktree at path.
func (g *Git) AddWorktree(ctx context.Context, path, branch string) error {
	_, err := g.run(ctx, "", "failed to create worktree", "worktree", "add", path, branch)
	return wrapWorktree(err, path, branch)
}

// AddWorktreeNewBranch creates branch at base and checks it out at path.
func (g *Git) AddWorktreeNewBranch(ctx context.Context, path, branch, base string) error {
	_, err := g.run(ctx, "", "failed to create worktree", "worktree", "add", "-b", branch, path, base)
	return wrapWorktree(err, path, branch)
}

func wrapWorktree(err error, path, branch string) error {
	var gitErr *errors.GitError
	if errors.As(err, &gitErr) {
		gitErr.WithWorktree(path).WithBranch(branch)
	}
	return err
}

// RemoveWorktree force-removes the worktree at path. If git refuses, the
// directory is deleted and stale worktree metadata is pruned.
func (g *Git) RemoveWorktree(ctx context.Context, path string) error {
	_, err := g.run(ctx, "", "failed to remove worktree cleanly", "worktree", "remove", "--force", path)
	if err != nil {
		_ = os.RemoveAll(path)
		_, _ = g.runner.Run(ctx, g.repoDir, "worktree", "prune")
		return wrapWorktree(err, path, "")
	}
	return nil
}

// WorktreeEntry is one line group of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Head   string
	Branch string
}

// ListWorktrees returns every worktree attached to the repository, the main
// working tree first.
func (g *Git) ListWorktrees(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := g.run(ctx, "", "failed to list worktrees", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []WorktreeEntry {
	var (
		entries []WorktreeEntry
		current *WorktreeEntry
	)
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			entries = append(entries, WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")})
			current = &entries[len(entries)-1]
		case current == nil:
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return entries
}

// HasUncommittedChanges reports whether dir has staged, unstaged or
// untracked changes.
func (g *Git) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "failed to check status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// ChangedFilesSince lists files that differ between base and the working
// tree of dir. Staged, unstaged and committed-since-base changes all count.
func (g *Git) ChangedFilesSince(ctx context.Context, dir, base string) ([]string, error) {
	out, err := g.run(ctx, dir, "failed to diff against "+base, "diff", "--name-only", base)
	if err != nil {
		return nil, err
	}
	files := lines(out)

	staged, err := g.run(ctx, dir, "failed to list staged changes", "diff", "--name-only", "--cached")
	if err != nil {
		return nil, err
	}
	untracked, err := g.run(ctx, dir, "failed to list untracked files", "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return dedupe(append(append(files, lines(staged)...), lines(untracked)...)), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// CommitAll stages every change in dir and commits it. It returns false
// without error when there was nothing to commit.
func (g *Git) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	if _, err := g.run(ctx, dir, "failed to add changes", "add", "-A"); err != nil {
		return false, err
	}
	out, err := g.run(ctx, dir, "failed to commit", "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Merge runs a --no-ff merge of branch into the branch checked out in dir.
// A conflict returns ErrMergeConflict with the merge left in progress.
func (g *Git) Merge(ctx context.Context, dir, branch, message string) error {
	out, err := g.run(ctx, dir, "failed to merge "+branch, "merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return nil
	}
	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		return errors.NewGitError("merge conflict with "+branch, errors.ErrMergeConflict).
			WithBranch(branch).WithWorktree(dir).WithGitOutput(out)
	}
	return err
}

// MergeBase returns the best common ancestor of a and b.
func (g *Git) MergeBase(ctx context.Context, dir, a, b string) (string, error) {
	out, err := g.run(ctx, dir, "failed to find merge base", "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ConflictingFiles returns paths with unresolved merge conflicts in dir.
func (g *Git) ConflictingFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := g.run(ctx, dir, "failed to get conflicting files", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// AbortMerge aborts an in-progress merge in dir.
func (g *Git) AbortMerge(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "failed to abort merge", "merge", "--abort")
	return err
}

// Push pushes HEAD of dir to origin and sets the upstream.
func (g *Git) Push(ctx context.Context, dir string, force bool) error {
	args := []string{"push", "-u", "origin", "HEAD"}
	if force {
		args = append(args, "--force-with-lease")
	}
	_, err := g.run(ctx, dir, "failed to push", args...)
	return err
}

// Output runs an arbitrary git command in dir and returns its trimmed
// combined output.
func (g *Git) Output(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.run(ctx, dir, "git command failed", args...)
	return strings.TrimSpace(out), err
}
