package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/convoy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify convoy configuration",
	Long: `View or modify convoy configuration.

Without arguments, displays the effective configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  convoy config set fleet.max_parallel_issues 4
  convoy config set budget.token_limit_per_issue 2000000
  convoy config set pr.draft true

Run 'convoy config keys' to list every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	Args:  cobra.NoArgs,
	RunE:  runConfigKeys,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/convoy/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

type keyKind int

const (
	kindString keyKind = iota
	kindBool
	kindInt
	kindFloat
	kindList
)

// validKeys are the keys `config set` accepts. Maps such as
// pr.reviewers.by_path are edited in the file directly.
var validKeys = map[string]keyKind{
	"fleet.project":                kindString,
	"fleet.max_parallel_issues":    kindInt,
	"fleet.max_parallel_agents":    kindInt,
	"budget.token_limit_per_issue": kindInt,
	"budget.warning_fraction":      kindFloat,
	"gates.ambiguity_threshold":    kindInt,
	"gates.halt_on_ambiguity":      kindBool,
	"git.branch_prefix":            kindString,
	"git.base_branch":              kindString,
	"git.commit_per_phase":         kindBool,
	"agent.command":                kindString,
	"agent.args":                   kindList,
	"agent.timeout_minutes":        kindInt,
	"agent.max_retries":            kindInt,
	"agent.retry_delay_seconds":    kindInt,
	"pr.draft":                     kindBool,
	"pr.labels":                    kindList,
	"pr.template":                  kindString,
	"pr.reviewers.default":         kindList,
	"paths.state_dir":              kindString,
	"paths.worktree_dir":           kindString,
	"logging.level":                kindString,
	"logging.max_size_mb":          kindInt,
	"logging.max_backups":          kindInt,
	"notifications.enabled":        kindBool,
	"notifications.bell":           kindBool,
	"notifications.command":        kindString,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// parseValue converts a command-line value to the type key expects.
func parseValue(key, value string) (any, error) {
	kind, ok := validKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'convoy config keys' to see valid keys", key)
	}

	switch kind {
	case kindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case kindInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	case kindFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	case kindList:
		var items []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		return items, nil
	default:
		return value, nil
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	typed, err := parseValue(key, value)
	if err != nil {
		return err
	}

	// The whole file is revalidated so a bad value never reaches disk.
	v := viper.New()
	config.SetDefaultsOn(v)
	configFile := config.ConfigFile()
	if used := viper.ConfigFileUsed(); used != "" {
		configFile = used
	}
	if _, err := os.Stat(configFile); err == nil {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", configFile, err)
		}
	}
	v.Set(key, typed)
	if _, err := config.LoadFrom(v); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typed)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	keys := make([]string, 0, len(validKeys))
	for k := range validKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	names := map[keyKind]string{
		kindString: "string",
		kindBool:   "bool",
		kindInt:    "int",
		kindFloat:  "float",
		kindList:   "comma-separated list",
	}
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, names[validKeys[k]], fmt.Sprint(viper.Get(k))})
	}
	newRenderer(cmd.OutOrStdout()).table([]string{"KEY", "TYPE", "CURRENT"}, rows)
	return nil
}

const defaultConfigFile = `# convoy configuration

fleet:
  # Project name recorded in the fleet checkpoint (default: repository directory name)
  project: ""
  # Issue pipelines that run at once
  max_parallel_issues: 3
  # Implementation tasks that run at once inside one issue
  max_parallel_agents: 2

budget:
  # Token ceiling per issue; 0 disables the limit
  token_limit_per_issue: 0
  # Warn once spend reaches this fraction of the limit
  warning_fraction: 0.8

gates:
  # Open ambiguities tolerated after analysis
  ambiguity_threshold: 5
  # Fail the analysis gate when the threshold is exceeded
  halt_on_ambiguity: false

git:
  # Branches are named <prefix>/issue-<n>
  branch_prefix: convoy
  # Base branch for new worktrees; empty detects main or master
  base_branch: ""
  # Commit after each phase that changes the tree
  commit_per_phase: true

agent:
  # Coding agent executable and leading arguments
  command: claude
  args: ["--print", "--output-format", "json", "--dangerously-skip-permissions"]
  # Limit for one agent invocation
  timeout_minutes: 30
  # Retries after a failed invocation, with exponential backoff
  max_retries: 2
  retry_delay_seconds: 5

pr:
  draft: false
  labels: []
  # Go text/template for the PR body; empty uses the built-in template
  template: ""
  reviewers:
    default: []
    # Glob patterns over changed files, e.g. "internal/git/**": [alice]
    by_path: {}

paths:
  # Checkpoints, logs and artifacts
  state_dir: .convoy
  # Issue worktrees; empty means <state_dir>/worktrees
  worktree_dir: ""

logging:
  # debug, info, warn or error
  level: info
  max_size_mb: 10
  max_backups: 3

notifications:
  enabled: true
  bell: false
  # Shell command run with CONVOY_EVENT and CONVOY_MESSAGE set
  command: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'convoy config set' to modify values", configFile)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./.convoy/config.yaml")
	fmt.Fprintln(out, "  3. ./config.yaml")
	fmt.Fprintln(out, "\nEnvironment variables: CONVOY_* (e.g., CONVOY_FLEET_MAX_PARALLEL_ISSUES)")
	fmt.Fprintln(out, "A .env file in the working directory is loaded first.")
	return nil
}
