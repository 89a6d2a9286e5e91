package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/convoy/internal/fleet"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize outcomes and token spend",
	Long: `Combine the fleet checkpoint with every issue checkpoint into outcome
buckets (PRs created, code done without PR, failed) and token totals per
issue, phase and agent.`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

var reportJSON bool

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output the report as JSON")
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.orch.Report(cmd.Context())
	if err != nil {
		return err
	}
	if reportJSON {
		return writeJSON(cmd.OutOrStdout(), rep)
	}
	printReport(newRenderer(cmd.OutOrStdout()), rep)
	return nil
}

func printReport(r *renderer, rep *fleet.Report) {
	if len(rep.Issues) == 0 {
		fmt.Fprintln(r.w, "Nothing to report yet.")
		return
	}

	r.heading("Outcomes")
	fmt.Fprintf(r.w, "PRs created:       %d\n", len(rep.PRsCreated))
	for _, pr := range rep.PRsCreated {
		fmt.Fprintf(r.w, "  #%d  %s\n", pr.Issue, pr.URL)
	}
	fmt.Fprintf(r.w, "Code done, no PR:  %d\n", len(rep.CodeDoneNoPR))
	if len(rep.CodeDoneNoPR) > 0 {
		fmt.Fprintf(r.w, "  %s\n", joinIssues(rep.CodeDoneNoPR))
	}
	fmt.Fprintf(r.w, "Failed:            %d\n", len(rep.Failed))
	for _, f := range rep.Failed {
		where := ""
		if f.PhaseName != "" {
			where = " in " + f.PhaseName
		}
		fmt.Fprintf(r.w, "  #%d%s: %s\n", f.Issue, where, r.style(errStyle, truncate(f.Error)))
	}
	fmt.Fprintln(r.w)

	r.heading("Tokens by issue")
	var rows [][]string
	for _, is := range rep.Issues {
		phases := ""
		for i, p := range is.Phases {
			if i > 0 {
				phases += ", "
			}
			phases += fmt.Sprintf("%s %s", p.Name, formatTokens(p.Tokens))
		}
		rows = append(rows, []string{
			"#" + strconv.Itoa(is.Number),
			r.status(is.Status),
			formatTokens(is.Tokens),
			strconv.Itoa(is.ResumeCount),
			phases,
		})
	}
	r.table([]string{"ISSUE", "STATUS", "TOKENS", "RESUMES", "PHASES"}, rows)
	fmt.Fprintln(r.w)

	r.heading("Tokens by agent")
	agents := make([]string, 0, len(rep.Tokens.PerAgent))
	for name := range rep.Tokens.PerAgent {
		agents = append(agents, name)
	}
	sort.Strings(agents)
	rows = rows[:0]
	for _, name := range agents {
		rows = append(rows, []string{name, formatTokens(rep.Tokens.PerAgent[name])})
	}
	r.table([]string{"AGENT", "TOKENS"}, rows)
	fmt.Fprintf(r.w, "\nTotal: %s (input %s, output %s)\n",
		formatTokens(rep.Tokens.Total), formatTokens(rep.Tokens.Input), formatTokens(rep.Tokens.Output))
}
