package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Fleet.MaxParallelIssues != 3 {
		t.Errorf("Fleet.MaxParallelIssues = %d, want 3", cfg.Fleet.MaxParallelIssues)
	}
	if cfg.Fleet.MaxParallelAgents != 2 {
		t.Errorf("Fleet.MaxParallelAgents = %d, want 2", cfg.Fleet.MaxParallelAgents)
	}
	if cfg.Budget.TokenLimitPerIssue != 0 {
		t.Errorf("Budget.TokenLimitPerIssue = %d, want 0", cfg.Budget.TokenLimitPerIssue)
	}
	if cfg.Gates.AmbiguityThreshold != 5 || cfg.Gates.HaltOnAmbiguity {
		t.Errorf("Gates = %+v, want threshold 5 without halt", cfg.Gates)
	}
	if cfg.Git.BranchPrefix != "convoy" || !cfg.Git.CommitPerPhase {
		t.Errorf("Git = %+v", cfg.Git)
	}
	if cfg.Agent.Timeout() != 30*time.Minute {
		t.Errorf("Agent.Timeout() = %v", cfg.Agent.Timeout())
	}
	if cfg.Agent.RetryDelay() != 5*time.Second {
		t.Errorf("Agent.RetryDelay() = %v", cfg.Agent.RetryDelay())
	}
	if cfg.Paths.StateDir != ".convoy" {
		t.Errorf("Paths.StateDir = %q", cfg.Paths.StateDir)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default() should validate, got %v", ValidationErrors(errs))
	}
}

func TestLoadFrom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
fleet:
  max_parallel_issues: 5
budget:
  token_limit_per_issue: 200000
pr:
  reviewers:
    by_path:
      "internal/git/**": ["alice"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	SetDefaultsOn(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Fleet.MaxParallelIssues != 5 {
		t.Errorf("MaxParallelIssues = %d, want 5", cfg.Fleet.MaxParallelIssues)
	}
	if cfg.Fleet.MaxParallelAgents != 2 {
		t.Errorf("MaxParallelAgents = %d, want default 2", cfg.Fleet.MaxParallelAgents)
	}
	if cfg.Budget.TokenLimitPerIssue != 200000 {
		t.Errorf("TokenLimitPerIssue = %d", cfg.Budget.TokenLimitPerIssue)
	}
	if got := cfg.PR.Reviewers.ByPath["internal/git/**"]; len(got) != 1 || got[0] != "alice" {
		t.Errorf("ByPath = %v", cfg.PR.Reviewers.ByPath)
	}
}

func TestLoadFrom_InvalidConfig(t *testing.T) {
	v := viper.New()
	SetDefaultsOn(v)
	v.Set("fleet.max_parallel_issues", 0)
	v.Set("logging.level", "loud")

	_, err := LoadFrom(v)
	if err == nil {
		t.Fatal("expected validation error")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(verrs), verrs)
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative budget", func(c *Config) { c.Budget.TokenLimitPerIssue = -1 }, "budget.token_limit_per_issue"},
		{"warning fraction above one", func(c *Config) { c.Budget.WarningFraction = 1.5 }, "budget.warning_fraction"},
		{"negative ambiguity threshold", func(c *Config) { c.Gates.AmbiguityThreshold = -1 }, "gates.ambiguity_threshold"},
		{"empty branch prefix", func(c *Config) { c.Git.BranchPrefix = "" }, "git.branch_prefix"},
		{"branch prefix with space", func(c *Config) { c.Git.BranchPrefix = "my prefix" }, "git.branch_prefix"},
		{"branch prefix trailing slash", func(c *Config) { c.Git.BranchPrefix = "bot/" }, "git.branch_prefix"},
		{"bad base branch", func(c *Config) { c.Git.BaseBranch = "main~1" }, "git.base_branch"},
		{"empty agent command", func(c *Config) { c.Agent.Command = " " }, "agent.command"},
		{"zero timeout", func(c *Config) { c.Agent.TimeoutMinutes = 0 }, "agent.timeout_minutes"},
		{"too many retries", func(c *Config) { c.Agent.MaxRetries = 11 }, "agent.max_retries"},
		{"bad reviewer glob", func(c *Config) { c.PR.Reviewers.ByPath = map[string][]string{"[": {"bob"}} }, "pr.reviewers.by_path"},
		{"log size zero", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"empty state dir", func(c *Config) { c.Paths.StateDir = "" }, "paths.state_dir"},
		{"null in worktree dir", func(c *Config) { c.Paths.WorktreeDir = "a\x00b" }, "paths.worktree_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("expected a validation error")
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestValidate_BranchPrefixWithSlash(t *testing.T) {
	cfg := Default()
	cfg.Git.BranchPrefix = "bot/convoy"
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestResolvePaths(t *testing.T) {
	base := "/repo"
	p := PathsConfig{StateDir: ".convoy"}
	if got := p.ResolveStateDir(base); got != "/repo/.convoy" {
		t.Errorf("ResolveStateDir() = %q", got)
	}
	if got := p.ResolveWorktreeDir(base); got != "/repo/.convoy/worktrees" {
		t.Errorf("ResolveWorktreeDir() = %q", got)
	}

	p.WorktreeDir = "/tmp/wt"
	if got := p.ResolveWorktreeDir(base); got != "/tmp/wt" {
		t.Errorf("absolute ResolveWorktreeDir() = %q", got)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p.WorktreeDir = "~/wt"
		if got := p.ResolveWorktreeDir(base); got != filepath.Join(home, "wt") {
			t.Errorf("home ResolveWorktreeDir() = %q", got)
		}
	}
}

func TestConfigDir_XDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := ConfigDir(); got != "/xdg/convoy" {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got := ConfigFile(); got != "/xdg/convoy/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}
