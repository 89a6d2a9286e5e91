package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <issue>...",
	Short: "Discard checkpointed progress for issues",
	Long: `Remove the checkpoint, artifacts and fleet entry of each issue so the
next run starts it from the first phase. Branches are always kept; with
--worktree the issue's worktree is removed as well.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReset,
}

var resetWorktree bool

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().BoolVar(&resetWorktree, "worktree", false, "Also remove the issue worktrees")
}

func runReset(cmd *cobra.Command, args []string) error {
	issues, err := parseIssueArgs(args)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Reset(cmd.Context(), issues); err != nil {
		return err
	}
	if resetWorktree {
		for _, n := range issues {
			if err := a.worktrees.Remove(cmd.Context(), n); err != nil {
				return fmt.Errorf("failed to remove worktree for #%d: %w", n, err)
			}
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", joinIssues(issues))
	return nil
}
