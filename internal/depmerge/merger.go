// Package depmerge builds an issue's dependency baseline: a deps branch at
// the issue's base commit with every dependency branch merged into it, in
// the order given. Conflicts are recorded for an operator or handed to a
// Resolver; an unresolved conflict leaves neither the temporary worktree
// nor the half-built branch behind.
package depmerge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/logging"
	"github.com/Iron-Ham/convoy/internal/worktree"
)

// ConflictFileName is the conflict record inside <stateDir>/issues/<n>/.
const ConflictFileName = "dependency-conflict.json"

// GitOperations is the git surface the merger needs. *worktree.Git
// satisfies it.
type GitOperations interface {
	BranchExists(ctx context.Context, branch string) bool
	CreateBranchAt(ctx context.Context, branch, commit string) error
	DeleteBranch(ctx context.Context, branch string) error
	AddWorktree(ctx context.Context, path, branch string) error
	RemoveWorktree(ctx context.Context, path string) error
	Merge(ctx context.Context, dir, branch, message string) error
	ConflictingFiles(ctx context.Context, dir string) ([]string, error)
	AbortMerge(ctx context.Context, dir string) error
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	HeadSHA(ctx context.Context, dir string) (string, error)
}

var _ GitOperations = (*worktree.Git)(nil)

// Dependency is one issue branch to merge into the baseline.
type Dependency struct {
	Issue  int
	Branch string
}

// Request describes one baseline build.
type Request struct {
	Issue int
	// Dependencies are merged in this order; earlier entries win when
	// later ones are resolved against them.
	Dependencies []Dependency
	// BaseCommit roots a new deps branch. An existing deps branch is reused.
	BaseCommit string
	// Resolver handles conflicts. Nil is treated as NoResolver.
	Resolver Resolver
}

// ConflictRecord is persisted whenever a merge conflicts.
type ConflictRecord struct {
	Issue             int       `json:"issue"`
	ConflictingBranch string    `json:"conflictingBranch"`
	Files             []string  `json:"files"`
	Timestamp         time.Time `json:"timestamp"`
}

// MergeConflictError is returned when a conflict could not be resolved.
type MergeConflictError struct {
	Issue             int
	ConflictingBranch string
	Files             []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("issue %d: merge conflict with %s in %d file(s): %s",
		e.Issue, e.ConflictingBranch, len(e.Files), strings.Join(e.Files, ", "))
}

// Unwrap returns errors.ErrMergeConflict.
func (e *MergeConflictError) Unwrap() error { return errors.ErrMergeConflict }

// Options configures a Merger.
type Options struct {
	// BranchPrefix prefixes the deps branch name.
	BranchPrefix string
	// TempDir holds temporary merge worktrees.
	TempDir string
}

// Merger builds dependency baselines.
type Merger struct {
	git    GitOperations
	stores *checkpoint.Stores
	opts   Options
	logger *logging.Logger
	now    func() time.Time
}

// NewMerger returns a Merger. Conflict records are written under the
// issue directories of stores.
func NewMerger(git GitOperations, stores *checkpoint.Stores, opts Options, logger *logging.Logger) *Merger {
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(stores.Dir(), "tmp")
	}
	return &Merger{git: git, stores: stores, opts: opts, logger: logging.OrNop(logger), now: time.Now}
}

// ConflictPath returns the conflict record path for an issue.
func (m *Merger) ConflictPath(issue int) string {
	return filepath.Join(m.stores.IssueDir(issue), ConflictFileName)
}

// ReadConflict returns the last conflict recorded for an issue, or nil.
func (m *Merger) ReadConflict(issue int) (*ConflictRecord, error) {
	data, err := afero.ReadFile(m.stores.Fs(), m.ConflictPath(issue))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec ConflictRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode conflict record: %w", err)
	}
	return &rec, nil
}

// Merge builds the baseline and returns the deps branch HEAD. With no
// dependencies it returns BaseCommit unchanged and touches nothing.
func (m *Merger) Merge(ctx context.Context, req Request) (string, error) {
	if len(req.Dependencies) == 0 {
		return req.BaseCommit, nil
	}
	resolver := req.Resolver
	if resolver == nil {
		resolver = NoResolver
	}

	branch := worktree.DepsBranch(m.opts.BranchPrefix, req.Issue)
	log := m.logger.WithIssue(req.Issue).With("deps_branch", branch)

	if m.git.BranchExists(ctx, branch) {
		log.Info("reusing deps branch")
	} else {
		if req.BaseCommit == "" {
			return "", errors.NewValidationError("base commit is required to create a deps branch").WithField("BaseCommit")
		}
		if err := m.git.CreateBranchAt(ctx, branch, req.BaseCommit); err != nil {
			return "", err
		}
	}

	if err := m.stores.Fs().Remove(m.ConflictPath(req.Issue)); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to clear stale conflict record", "error", err)
	}

	dir := filepath.Join(m.opts.TempDir, fmt.Sprintf("issue-%d-deps", req.Issue))
	if _, err := os.Stat(dir); err == nil {
		_ = m.git.RemoveWorktree(ctx, dir)
	}
	if err := os.MkdirAll(m.opts.TempDir, 0o755); err != nil {
		return "", err
	}
	if err := m.git.AddWorktree(ctx, dir, branch); err != nil {
		m.discard(ctx, log, "", branch)
		return "", err
	}

	for _, dep := range req.Dependencies {
		if err := m.mergeOne(ctx, log, req.Issue, dir, branch, dep, resolver); err != nil {
			m.discard(ctx, log, dir, branch)
			return "", err
		}
	}

	sha, err := m.git.HeadSHA(ctx, dir)
	if rmErr := m.git.RemoveWorktree(ctx, dir); rmErr != nil {
		log.Warn("failed to remove deps worktree", "path", dir, "error", rmErr)
	}
	if err != nil {
		return "", err
	}
	log.Info("dependency baseline ready", "sha", sha, "dependencies", len(req.Dependencies))
	return sha, nil
}

func (m *Merger) mergeOne(ctx context.Context, log *logging.Logger, issue int, dir, branch string, dep Dependency, resolver Resolver) error {
	msg := fmt.Sprintf("Merge %s into %s", dep.Branch, branch)
	err := m.git.Merge(ctx, dir, dep.Branch, msg)
	if err == nil {
		log.Debug("merged dependency", "dependency", dep.Issue, "branch", dep.Branch)
		return nil
	}
	if !errors.Is(err, errors.ErrMergeConflict) {
		return err
	}

	files, ferr := m.git.ConflictingFiles(ctx, dir)
	if ferr != nil {
		log.Warn("failed to list conflicting files", "error", ferr)
	}
	record := ConflictRecord{Issue: issue, ConflictingBranch: dep.Branch, Files: files, Timestamp: m.now().UTC()}
	if werr := checkpoint.WriteJSON(m.stores.Fs(), m.ConflictPath(issue), record); werr != nil {
		log.Error("failed to write conflict record", "error", werr)
	}
	log.Warn("dependency merge conflict", "branch", dep.Branch, "files", files)

	conflictErr := &MergeConflictError{Issue: issue, ConflictingBranch: dep.Branch, Files: files}
	resolved, rerr := resolver.Resolve(ctx, &Conflict{Record: record, Dependency: dep, WorktreePath: dir})
	if rerr != nil {
		log.Warn("conflict resolver failed", "error", rerr)
	}
	if !resolved || rerr != nil {
		return conflictErr
	}

	if _, err := m.git.CommitAll(ctx, dir, msg); err != nil {
		log.Warn("failed to commit resolved merge", "error", err)
		return conflictErr
	}
	if remaining, err := m.git.ConflictingFiles(ctx, dir); err != nil || len(remaining) > 0 {
		return conflictErr
	}
	log.Info("conflict resolved", "branch", dep.Branch)
	return nil
}

// discard aborts any merge, removes the temporary worktree and deletes the
// deps branch so a retry starts from the base commit.
func (m *Merger) discard(ctx context.Context, log *logging.Logger, dir, branch string) {
	if dir != "" {
		_ = m.git.AbortMerge(ctx, dir)
		if err := m.git.RemoveWorktree(ctx, dir); err != nil {
			log.Warn("failed to remove deps worktree", "path", dir, "error", err)
		}
	}
	if err := m.git.DeleteBranch(ctx, branch); err != nil {
		log.Warn("failed to delete deps branch", "error", err)
	}
}
