// Package fleet schedules issue pipelines across a repository. An
// Orchestrator resolves the issue set, provisions one worktree per issue,
// runs pipeline.Runner under a bounded worker pool and keeps the fleet
// checkpoint current after every issue transition.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/config"
	"github.com/Iron-Ham/convoy/internal/depmerge"
	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/executor"
	"github.com/Iron-Ham/convoy/internal/logging"
	"github.com/Iron-Ham/convoy/internal/notify"
	"github.com/Iron-Ham/convoy/internal/pipeline"
	"github.com/Iron-Ham/convoy/internal/platform"
	"github.com/Iron-Ham/convoy/internal/worktree"
)

// shutdownGrace is how long agent processes get to exit after SIGTERM.
const shutdownGrace = 5 * time.Second

// Provisioner hands out the isolated working copy for an issue.
// *worktree.Provisioner satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, issue int, title string) (*worktree.Workspace, error)
}

// Deps are the collaborators an Orchestrator drives. Stores, Platform,
// Workspaces and Executors are required; the rest may be nil.
type Deps struct {
	Stores     *checkpoint.Stores
	Platform   platform.Provider
	Workspaces Provisioner
	Executors  executor.Set

	// VCS commits per phase, detects changes and pushes branches.
	VCS pipeline.VCS
	// Merger builds dependency baselines; Resolver handles its conflicts.
	Merger   pipeline.DependencyMerger
	Resolver depmerge.Resolver

	// Registry tracks live agent processes for shutdown.
	Registry *agent.Registry
	Bus      *event.Bus
	// Progress, when set, records every bus event to the progress log.
	Progress *event.ProgressLog
	Notifier notify.Notifier
	// LockDir holds the run lock. Empty disables locking.
	LockDir string
	Logger  *logging.Logger
}

// Orchestrator runs fleets of issue pipelines. Run may be called once at
// a time; Shutdown may be called from any goroutine.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	bus  *event.Bus
	log  *logging.Logger
	now  func() time.Time

	mu       sync.Mutex
	runID    string
	cancel   context.CancelFunc
	active   map[int]bool
	shutdown sync.Once
	exitCode int
}

// New returns an Orchestrator. A nil cfg uses config.Default. Progress
// and Notifier are attached to the bus here, so they see every event of
// every run.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logging.OrNop(deps.Logger)
	bus := deps.Bus
	if bus == nil {
		bus = event.NewBus(log)
	}
	if deps.Progress != nil {
		deps.Progress.Attach(bus)
	}
	if deps.Notifier != nil {
		notify.Attach(bus, deps.Notifier, log)
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		bus:    bus,
		log:    log,
		now:    time.Now,
		active: make(map[int]bool),
	}
}

// Bus returns the event bus runs publish to.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// InProgress returns the issues whose pipelines are currently running,
// ascending.
func (o *Orchestrator) InProgress() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedKeys(o.active)
}

func (o *Orchestrator) setActive(n int, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if on {
		o.active[n] = true
	} else {
		delete(o.active, n)
	}
}

// MergeDependencies builds the dependency baseline for issue by merging
// deps, in order, onto a branch rooted at baseCommit. It returns the
// baseline HEAD. Conflicts surface as *depmerge.MergeConflictError unless
// resolver settles them.
func (o *Orchestrator) MergeDependencies(ctx context.Context, issue int, deps []depmerge.Dependency, baseCommit string, resolver depmerge.Resolver) (string, error) {
	if o.deps.Merger == nil {
		return "", errNoMerger
	}
	return o.deps.Merger.Merge(ctx, depmerge.Request{
		Issue:        issue,
		Dependencies: deps,
		BaseCommit:   baseCommit,
		Resolver:     resolver,
	})
}
