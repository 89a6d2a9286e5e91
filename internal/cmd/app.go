package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/config"
	"github.com/Iron-Ham/convoy/internal/depmerge"
	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/executor"
	"github.com/Iron-Ham/convoy/internal/fleet"
	"github.com/Iron-Ham/convoy/internal/logging"
	"github.com/Iron-Ham/convoy/internal/notify"
	"github.com/Iron-Ham/convoy/internal/platform"
	"github.com/Iron-Ham/convoy/internal/worktree"
)

// app holds everything a command needs, wired from the loaded config.
type app struct {
	cfg       *config.Config
	repoDir   string
	stateDir  string
	fs        afero.Fs
	logger    *logging.Logger
	stores    *checkpoint.Stores
	git       *worktree.Git
	platform  *platform.GitHub
	registry  *agent.Registry
	launcher  agent.Launcher
	merger    *depmerge.Merger
	worktrees *worktree.Provisioner
	orch      *fleet.Orchestrator
}

// loadConfig reads and validates the configuration viper collected.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// locate loads the config and finds the repository and state directory
// for the working directory. Commands that only read state files stop here.
func locate() (cfg *config.Config, repoDir, stateDir string, err error) {
	cfg, err = loadConfig()
	if err != nil {
		return nil, "", "", err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to get current directory: %w", err)
	}
	repoDir, err = worktree.FindGitRoot(cwd)
	if err != nil {
		return nil, "", "", err
	}
	if cfg.Fleet.Project == "" {
		cfg.Fleet.Project = filepath.Base(repoDir)
	}
	return cfg, repoDir, cfg.Paths.ResolveStateDir(repoDir), nil
}

// newApp wires the orchestrator for the repository containing the
// working directory.
func newApp() (*app, error) {
	cfg, repoDir, stateDir, err := locate()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		repoDir:  repoDir,
		stateDir: stateDir,
		fs:       afero.NewOsFs(),
		registry: agent.NewRegistry(),
	}

	a.logger, err = logging.NewLogger(logging.Options{
		Dir:   a.stateDir,
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	})
	if err != nil {
		return nil, err
	}
	a.logger = a.logger.With("project", cfg.Fleet.Project)

	a.stores = checkpoint.NewStores(a.fs, a.stateDir)
	if a.git, err = worktree.NewGit(repoDir); err != nil {
		_ = a.logger.Close()
		return nil, err
	}
	a.platform = platform.NewGitHub(platform.GHRunner{Dir: repoDir}, a.logger)
	a.launcher = agent.NewExecLauncher(&cfg.Agent, a.registry, a.fs, a.logger)
	a.merger = depmerge.NewMerger(a.git, a.stores, depmerge.Options{BranchPrefix: cfg.Git.BranchPrefix}, a.logger)

	a.worktrees = worktree.NewProvisioner(a.git, worktree.ProvisionerOptions{
		Dir:          cfg.Paths.ResolveWorktreeDir(repoDir),
		BranchPrefix: cfg.Git.BranchPrefix,
		BaseBranch:   cfg.Git.BaseBranch,
	}, a.logger)

	a.orch = fleet.New(cfg, fleet.Deps{
		Stores:     a.stores,
		Platform:   a.platform,
		Workspaces: a.worktrees,
		Executors:  executor.NewAgentSet(a.launcher, executor.Options{MaxParallelAgents: cfg.Fleet.MaxParallelAgents}),
		VCS:        a.git,
		Merger:     a.merger,
		Resolver:   a.resolver(),
		Registry:   a.registry,
		Bus:        event.NewBus(a.logger),
		Progress:   event.NewProgressLog(a.fs, a.stateDir),
		Notifier:   notify.New(cfg.Notifications, os.Stderr, a.logger),
		LockDir:    a.stateDir,
		Logger:     a.logger,
	})
	return a, nil
}

// resolver returns the agent-backed conflict resolver.
func (a *app) resolver() depmerge.Resolver {
	return depmerge.NewAgentResolver(a.launcher, a.logger)
}

func (a *app) Close() {
	_ = a.platform.Close()
	_ = a.logger.Close()
}
