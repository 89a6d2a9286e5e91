package pipeline

import (
	"context"
	"time"

	"github.com/Iron-Ham/convoy/internal/depmerge"
	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/logging"
	"github.com/Iron-Ham/convoy/internal/platform"
	"github.com/Iron-Ham/convoy/internal/retry"
)

// VCS is the git surface the pipeline needs for commits, change detection
// and folding the dependency baseline into the issue branch. *worktree.Git
// satisfies it.
type VCS interface {
	HasUncommittedChanges(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	ChangedFilesSince(ctx context.Context, dir, base string) ([]string, error)
	Merge(ctx context.Context, dir, branch, message string) error
	Push(ctx context.Context, dir string, force bool) error
}

// DependencyMerger builds an issue's dependency baseline. *depmerge.Merger
// satisfies it.
type DependencyMerger interface {
	Merge(ctx context.Context, req depmerge.Request) (string, error)
}

// DependencyLookup maps an issue's declared dependencies to the branches
// that carry their work. Dependencies without a known branch are omitted.
type DependencyLookup func(ctx context.Context, issue platform.Issue) ([]depmerge.Dependency, error)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrNop(l) }
}

// WithBus publishes progress events on bus.
func WithBus(bus *event.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithPlatform enables PR creation through p. Without a platform a
// code-complete issue ends as code-done-no-pr.
func WithPlatform(p platform.Provider) Option {
	return func(r *Runner) { r.platform = p }
}

// WithVCS enables per-phase commits and git change detection. Without it
// the working tree is treated as unversioned.
func WithVCS(v VCS) Option {
	return func(r *Runner) { r.vcs = v }
}

// WithDependencies enables the dependency baseline before Implementation.
func WithDependencies(m DependencyMerger, lookup DependencyLookup, resolver depmerge.Resolver) Option {
	return func(r *Runner) {
		r.merger = m
		r.lookup = lookup
		r.resolver = resolver
	}
}

// WithRetry replaces the retry executor.
func WithRetry(e *retry.Executor) Option {
	return func(r *Runner) { r.retry = e }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}
