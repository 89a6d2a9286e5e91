package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete convoy configuration
type Config struct {
	Fleet         FleetConfig        `mapstructure:"fleet"`
	Budget        BudgetConfig       `mapstructure:"budget"`
	Gates         GatesConfig        `mapstructure:"gates"`
	Git           GitConfig          `mapstructure:"git"`
	Agent         AgentConfig        `mapstructure:"agent"`
	PR            PRConfig           `mapstructure:"pr"`
	Paths         PathsConfig        `mapstructure:"paths"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Notifications NotificationConfig `mapstructure:"notifications"`
}

// FleetConfig controls fleet-level scheduling
type FleetConfig struct {
	// Project identifies the repository in the fleet checkpoint (default: directory name)
	Project string `mapstructure:"project"`
	// MaxParallelIssues bounds how many issue pipelines run at once (default: 3)
	MaxParallelIssues int `mapstructure:"max_parallel_issues"`
	// MaxParallelAgents bounds concurrent implementation tasks inside one issue (default: 2)
	MaxParallelAgents int `mapstructure:"max_parallel_agents"`
}

// BudgetConfig controls per-issue token spend limits
type BudgetConfig struct {
	// TokenLimitPerIssue is the ceiling on total tokens per issue (0 = unlimited)
	TokenLimitPerIssue int64 `mapstructure:"token_limit_per_issue"`
	// WarningFraction triggers a warning once spend reaches this fraction of the limit (default: 0.8)
	WarningFraction float64 `mapstructure:"warning_fraction"`
}

// GatesConfig controls phase gate strictness
type GatesConfig struct {
	// AmbiguityThreshold is the number of open ambiguities tolerated (default: 5)
	AmbiguityThreshold int `mapstructure:"ambiguity_threshold"`
	// HaltOnAmbiguity turns an ambiguity count over the threshold into a gate failure
	HaltOnAmbiguity bool `mapstructure:"halt_on_ambiguity"`
}

// GitConfig controls branch naming and commits
type GitConfig struct {
	// BranchPrefix is the prefix for issue and deps branches (default: "convoy")
	BranchPrefix string `mapstructure:"branch_prefix"`
	// BaseBranch is the branch worktrees start from ("" = detect main/master)
	BaseBranch string `mapstructure:"base_branch"`
	// CommitPerPhase commits after every phase that leaves the tree dirty (default: true)
	CommitPerPhase bool `mapstructure:"commit_per_phase"`
}

// AgentConfig controls how the external agent CLI is launched
type AgentConfig struct {
	// Command is the agent executable (default: "claude")
	Command string `mapstructure:"command"`
	// Args are extra arguments passed before the prompt
	Args []string `mapstructure:"args"`
	// TimeoutMinutes bounds a single agent invocation (default: 30)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// MaxRetries is the number of retries after a failed invocation (default: 2)
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelaySeconds is the initial backoff between retries (default: 5)
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds"`
}

// Timeout returns the agent timeout as a time.Duration.
func (c *AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// RetryDelay returns the initial retry backoff as a time.Duration.
func (c *AgentConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// PRConfig controls pull request creation
type PRConfig struct {
	// Draft creates PRs as drafts
	Draft bool `mapstructure:"draft"`
	// Labels are added to every PR
	Labels []string `mapstructure:"labels"`
	// Reviewers assigns reviewers by default and by changed path
	Reviewers ReviewerConfig `mapstructure:"reviewers"`
	// Template is a Go text/template for the PR body ("" = built-in)
	Template string `mapstructure:"template"`
}

// ReviewerConfig controls reviewer assignment
type ReviewerConfig struct {
	// Default reviewers are always requested
	Default []string `mapstructure:"default"`
	// ByPath maps glob patterns to reviewers, e.g. "internal/git/**": ["alice"]
	ByPath map[string][]string `mapstructure:"by_path"`
}

// PathsConfig controls where convoy stores state
type PathsConfig struct {
	// StateDir holds checkpoints, logs and artifacts (default: ".convoy")
	StateDir string `mapstructure:"state_dir"`
	// WorktreeDir holds per-issue worktrees ("" = <state_dir>/worktrees)
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// LoggingConfig controls the debug log
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB rotates debug.log past this size (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// NotificationConfig controls completion and interruption notifications
type NotificationConfig struct {
	// Enabled turns notifications on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Bell rings the terminal bell on notification
	Bell bool `mapstructure:"bell"`
	// Command is an optional shell command run with CONVOY_EVENT/CONVOY_MESSAGE set
	Command string `mapstructure:"command"`
}

// ResolveStateDir returns the absolute state directory for a repository root.
func (p *PathsConfig) ResolveStateDir(baseDir string) string {
	return resolvePath(baseDir, p.StateDir, filepath.Join(baseDir, ".convoy"))
}

// ResolveWorktreeDir returns the worktree directory for a repository root.
// If WorktreeDir is empty, worktrees live under the state directory.
func (p *PathsConfig) ResolveWorktreeDir(baseDir string) string {
	return resolvePath(baseDir, p.WorktreeDir, filepath.Join(p.ResolveStateDir(baseDir), "worktrees"))
}

// resolvePath expands ~ and makes relative paths relative to baseDir.
func resolvePath(baseDir, path, fallback string) string {
	if path == "" {
		return fallback
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Fleet: FleetConfig{
			MaxParallelIssues: 3,
			MaxParallelAgents: 2,
		},
		Budget: BudgetConfig{
			TokenLimitPerIssue: 0,
			WarningFraction:    0.8,
		},
		Gates: GatesConfig{
			AmbiguityThreshold: 5,
			HaltOnAmbiguity:    false,
		},
		Git: GitConfig{
			BranchPrefix:   "convoy",
			CommitPerPhase: true,
		},
		Agent: AgentConfig{
			Command:           "claude",
			Args:              []string{"--print", "--output-format", "json", "--dangerously-skip-permissions"},
			TimeoutMinutes:    30,
			MaxRetries:        2,
			RetryDelaySeconds: 5,
		},
		PR: PRConfig{
			Labels: []string{},
			Reviewers: ReviewerConfig{
				Default: []string{},
				ByPath:  map[string][]string{},
			},
		},
		Paths: PathsConfig{
			StateDir: ".convoy",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Notifications: NotificationConfig{
			Enabled: true,
			Bell:    false,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with the given viper instance
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Fleet defaults
	v.SetDefault("fleet.project", defaults.Fleet.Project)
	v.SetDefault("fleet.max_parallel_issues", defaults.Fleet.MaxParallelIssues)
	v.SetDefault("fleet.max_parallel_agents", defaults.Fleet.MaxParallelAgents)

	// Budget defaults
	v.SetDefault("budget.token_limit_per_issue", defaults.Budget.TokenLimitPerIssue)
	v.SetDefault("budget.warning_fraction", defaults.Budget.WarningFraction)

	// Gate defaults
	v.SetDefault("gates.ambiguity_threshold", defaults.Gates.AmbiguityThreshold)
	v.SetDefault("gates.halt_on_ambiguity", defaults.Gates.HaltOnAmbiguity)

	// Git defaults
	v.SetDefault("git.branch_prefix", defaults.Git.BranchPrefix)
	v.SetDefault("git.base_branch", defaults.Git.BaseBranch)
	v.SetDefault("git.commit_per_phase", defaults.Git.CommitPerPhase)

	// Agent defaults
	v.SetDefault("agent.command", defaults.Agent.Command)
	v.SetDefault("agent.args", defaults.Agent.Args)
	v.SetDefault("agent.timeout_minutes", defaults.Agent.TimeoutMinutes)
	v.SetDefault("agent.max_retries", defaults.Agent.MaxRetries)
	v.SetDefault("agent.retry_delay_seconds", defaults.Agent.RetryDelaySeconds)

	// PR defaults
	v.SetDefault("pr.draft", defaults.PR.Draft)
	v.SetDefault("pr.labels", defaults.PR.Labels)
	v.SetDefault("pr.template", defaults.PR.Template)
	v.SetDefault("pr.reviewers.default", defaults.PR.Reviewers.Default)
	v.SetDefault("pr.reviewers.by_path", defaults.PR.Reviewers.ByPath)

	// Paths defaults
	v.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	v.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Notification defaults
	v.SetDefault("notifications.enabled", defaults.Notifications.Enabled)
	v.SetDefault("notifications.bell", defaults.Notifications.Bell)
	v.SetDefault("notifications.command", defaults.Notifications.Command)
}

// Load reads the configuration from viper and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals and validates the configuration held by v
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "convoy")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convoy"
	}
	return filepath.Join(home, ".config", "convoy")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
