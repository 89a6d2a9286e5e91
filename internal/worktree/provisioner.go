package worktree

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Iron-Ham/convoy/internal/logging"
)

// Workspace is an issue's isolated working copy.
type Workspace struct {
	Issue      int
	Path       string
	Branch     string
	BaseCommit string
}

// ProvisionerOptions configures a Provisioner.
type ProvisionerOptions struct {
	// Dir holds one worktree per issue.
	Dir string
	// BranchPrefix prefixes every issue branch.
	BranchPrefix string
	// BaseBranch is the starting point; empty means main or master.
	BaseBranch string
}

// Provisioner creates, reuses and removes per-issue worktrees.
type Provisioner struct {
	git    *Git
	opts   ProvisionerOptions
	logger *logging.Logger
}

// NewProvisioner returns a Provisioner over git.
func NewProvisioner(git *Git, opts ProvisionerOptions, logger *logging.Logger) *Provisioner {
	return &Provisioner{git: git, opts: opts, logger: logging.OrNop(logger)}
}

// Git returns the underlying git wrapper.
func (p *Provisioner) Git() *Git { return p.git }

// PathFor returns the worktree path for an issue.
func (p *Provisioner) PathFor(issue int) string {
	return filepath.Join(p.opts.Dir, IssueDirName(issue))
}

func (p *Provisioner) baseBranch(ctx context.Context) string {
	if p.opts.BaseBranch != "" {
		return p.opts.BaseBranch
	}
	return p.git.FindMainBranch(ctx)
}

// Provision returns the worktree for an issue, creating it when absent. An
// existing worktree is reused as-is so an interrupted run resumes on the
// same branch; an existing branch without a worktree is checked out again.
func (p *Provisioner) Provision(ctx context.Context, issue int, title string) (*Workspace, error) {
	path := p.PathFor(issue)
	base := p.baseBranch(ctx)

	entries, err := p.git.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if samePath(e.Path, path) {
			baseCommit, err := p.git.MergeBase(ctx, path, base, "HEAD")
			if err != nil {
				return nil, err
			}
			p.logger.Info("reusing worktree", "issue", issue, "path", path, "branch", e.Branch)
			return &Workspace{Issue: issue, Path: path, Branch: e.Branch, BaseCommit: baseCommit}, nil
		}
	}

	baseCommit, err := p.git.RevParse(ctx, "", base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.opts.Dir, 0o755); err != nil {
		return nil, err
	}

	branch := p.existingBranch(ctx, issue)
	if branch != "" {
		if err := p.git.AddWorktree(ctx, path, branch); err != nil {
			return nil, err
		}
		if baseCommit, err = p.git.MergeBase(ctx, path, base, "HEAD"); err != nil {
			return nil, err
		}
	} else {
		branch = IssueBranch(p.opts.BranchPrefix, issue, title)
		if err := p.git.AddWorktreeNewBranch(ctx, path, branch, baseCommit); err != nil {
			return nil, err
		}
	}

	p.logger.Info("provisioned worktree", "issue", issue, "path", path, "branch", branch, "base", baseCommit)
	return &Workspace{Issue: issue, Path: path, Branch: branch, BaseCommit: baseCommit}, nil
}

// existingBranch finds an issue branch left behind by an earlier run whose
// worktree was removed. The deps branch is never a match.
func (p *Provisioner) existingBranch(ctx context.Context, issue int) string {
	prefix := IssueBranch(p.opts.BranchPrefix, issue, "")
	out, err := p.git.Output(ctx, "", "for-each-ref", "--format=%(refname:short)", "refs/heads/"+p.opts.BranchPrefix)
	if err != nil {
		return ""
	}
	for _, name := range lines(out) {
		if name == DepsBranch(p.opts.BranchPrefix, issue) {
			continue
		}
		if name == prefix || strings.HasPrefix(name, prefix+"-") {
			return name
		}
	}
	return ""
}

// Remove deletes an issue's worktree. The branch is kept because it holds
// the issue's commits.
func (p *Provisioner) Remove(ctx context.Context, issue int) error {
	path := p.PathFor(issue)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return p.git.RemoveWorktree(ctx, path)
}

// ListActive returns the issue worktrees currently attached to the
// repository, ordered by issue number.
func (p *Provisioner) ListActive(ctx context.Context) ([]Workspace, error) {
	entries, err := p.git.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}

	var out []Workspace
	for _, e := range entries {
		if !samePath(filepath.Dir(e.Path), p.opts.Dir) {
			continue
		}
		n, ok := parseIssueDir(filepath.Base(e.Path))
		if !ok {
			continue
		}
		ws := Workspace{Issue: n, Path: e.Path, Branch: e.Branch}
		if base, err := p.git.MergeBase(ctx, e.Path, p.baseBranch(ctx), "HEAD"); err == nil {
			ws.BaseCommit = base
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issue < out[j].Issue })
	return out, nil
}

func parseIssueDir(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "issue-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil && n > 0
}

// samePath compares paths after resolving symlinks, which matters on macOS
// where temp dirs live behind /var -> /private/var.
func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
