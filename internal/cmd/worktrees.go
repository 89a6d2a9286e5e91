package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var worktreesCmd = &cobra.Command{
	Use:   "worktrees",
	Short: "List issue worktrees attached to the repository",
	Args:  cobra.NoArgs,
	RunE:  runWorktrees,
}

var worktreesJSON bool

func init() {
	rootCmd.AddCommand(worktreesCmd)
	worktreesCmd.Flags().BoolVar(&worktreesJSON, "json", false, "Output as JSON")
}

func runWorktrees(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	active, err := a.worktrees.ListActive(cmd.Context())
	if err != nil {
		return err
	}
	if worktreesJSON {
		return writeJSON(cmd.OutOrStdout(), active)
	}

	r := newRenderer(cmd.OutOrStdout())
	if len(active) == 0 {
		fmt.Fprintln(r.w, "No issue worktrees.")
		return nil
	}
	rows := make([][]string, 0, len(active))
	for _, ws := range active {
		base := ws.BaseCommit
		if len(base) > 12 {
			base = base[:12]
		}
		rows = append(rows, []string{"#" + strconv.Itoa(ws.Issue), ws.Branch, base, ws.Path})
	}
	r.table([]string{"ISSUE", "BRANCH", "BASE", "PATH"}, rows)
	return nil
}
