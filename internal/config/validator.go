package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "fleet.max_parallel_issues")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters.
// Slashes are allowed so prefixes like "bot/convoy" work.
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_/-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateFleet()...)
	errors = append(errors, c.validateBudget()...)
	errors = append(errors, c.validateGates()...)
	errors = append(errors, c.validateGit()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validatePR()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

func (c *Config) validateFleet() []ValidationError {
	var errors []ValidationError

	const maxParallel = 64
	if c.Fleet.MaxParallelIssues < 1 || c.Fleet.MaxParallelIssues > maxParallel {
		errors = append(errors, ValidationError{
			Field:   "fleet.max_parallel_issues",
			Value:   c.Fleet.MaxParallelIssues,
			Message: fmt.Sprintf("must be between 1 and %d", maxParallel),
		})
	}
	if c.Fleet.MaxParallelAgents < 1 || c.Fleet.MaxParallelAgents > maxParallel {
		errors = append(errors, ValidationError{
			Field:   "fleet.max_parallel_agents",
			Value:   c.Fleet.MaxParallelAgents,
			Message: fmt.Sprintf("must be between 1 and %d", maxParallel),
		})
	}

	return errors
}

func (c *Config) validateBudget() []ValidationError {
	var errors []ValidationError

	if c.Budget.TokenLimitPerIssue < 0 {
		errors = append(errors, ValidationError{
			Field:   "budget.token_limit_per_issue",
			Value:   c.Budget.TokenLimitPerIssue,
			Message: "must be non-negative (0 disables the limit)",
		})
	}
	if c.Budget.WarningFraction < 0 || c.Budget.WarningFraction > 1 {
		errors = append(errors, ValidationError{
			Field:   "budget.warning_fraction",
			Value:   c.Budget.WarningFraction,
			Message: "must be between 0 and 1",
		})
	}

	return errors
}

func (c *Config) validateGates() []ValidationError {
	if c.Gates.AmbiguityThreshold < 0 {
		return []ValidationError{{
			Field:   "gates.ambiguity_threshold",
			Value:   c.Gates.AmbiguityThreshold,
			Message: "must be non-negative",
		}}
	}
	return nil
}

func (c *Config) validateGit() []ValidationError {
	var errors []ValidationError

	if c.Git.BranchPrefix == "" {
		errors = append(errors, ValidationError{
			Field:   "git.branch_prefix",
			Value:   c.Git.BranchPrefix,
			Message: "must not be empty",
		})
	} else if !branchPrefixRegex.MatchString(c.Git.BranchPrefix) || strings.HasSuffix(c.Git.BranchPrefix, "/") {
		errors = append(errors, ValidationError{
			Field:   "git.branch_prefix",
			Value:   c.Git.BranchPrefix,
			Message: "must start with a letter and contain only letters, digits, '-', '_' or '/'",
		})
	}

	if strings.ContainsAny(c.Git.BaseBranch, " ~^:?*[\\") {
		errors = append(errors, ValidationError{
			Field:   "git.base_branch",
			Value:   c.Git.BaseBranch,
			Message: "contains characters not allowed in git refs",
		})
	}

	return errors
}

func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "must not be empty",
		})
	}
	if c.Agent.TimeoutMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.timeout_minutes",
			Value:   c.Agent.TimeoutMinutes,
			Message: "must be positive",
		})
	}

	const maxRetries = 10
	if c.Agent.MaxRetries < 0 || c.Agent.MaxRetries > maxRetries {
		errors = append(errors, ValidationError{
			Field:   "agent.max_retries",
			Value:   c.Agent.MaxRetries,
			Message: fmt.Sprintf("must be between 0 and %d", maxRetries),
		})
	}
	if c.Agent.RetryDelaySeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.retry_delay_seconds",
			Value:   c.Agent.RetryDelaySeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validatePR() []ValidationError {
	var errors []ValidationError

	for pattern := range c.PR.Reviewers.ByPath {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   "pr.reviewers.by_path",
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 1 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Paths.StateDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.state_dir",
			Value:   c.Paths.StateDir,
			Message: "must not be empty",
		})
	}

	for _, p := range []struct{ field, path string }{
		{"paths.state_dir", c.Paths.StateDir},
		{"paths.worktree_dir", c.Paths.WorktreeDir},
	} {
		field, path := p.field, p.path
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: "path contains invalid null character",
			})
		}
		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}
