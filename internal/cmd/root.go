// Package cmd implements the convoy command line.
package cmd

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/convoy/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "convoy",
	Short: "Run a fleet of issue pipelines with coding agents",
	Long: `Convoy drives GitHub issues through a five-phase pipeline
(analysis, planning, implementation, integration verification and PR
composition) using an external coding agent. Each issue gets its own git
worktree and branch; progress is checkpointed so interrupted runs resume
where they stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/convoy/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// .env is optional; values already in the environment win.
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".convoy")
		viper.AddConfigPath(".")
	}

	// CONVOY_BUDGET_TOKEN_LIMIT_PER_ISSUE maps to budget.token_limit_per_issue.
	viper.SetEnvPrefix("CONVOY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}
