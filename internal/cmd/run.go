package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/convoy/internal/fleet"
)

var runCmd = &cobra.Command{
	Use:   "run [issue...]",
	Short: "Run the pipeline for a set of issues",
	Long: `Run the five-phase pipeline for each selected issue.

Issues are given as numbers (with or without a leading #). Without
arguments, open issues matching --label and --milestone are selected.

Examples:
  # Run two issues
  convoy run 12 15

  # Run every open issue labeled "convoy", three at a time
  convoy run --label convoy --max-parallel 3

  # Continue an interrupted run
  convoy run --resume 12 15`,
	RunE: runRun,
}

var (
	runLabels      []string
	runMilestone   string
	runResume      bool
	runMaxParallel int
	runJSON        bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVarP(&runLabels, "label", "l", nil, "Select open issues with this label (repeatable)")
	runCmd.Flags().StringVarP(&runMilestone, "milestone", "m", "", "Select open issues in this milestone")
	runCmd.Flags().BoolVarP(&runResume, "resume", "r", false, "Resume from existing checkpoints")
	runCmd.Flags().IntVarP(&runMaxParallel, "max-parallel", "p", 0, "Override fleet.max_parallel_issues")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run result as JSON")
}

// parseIssueArgs turns "12", "#12" or "12,15" arguments into issue numbers.
func parseIssueArgs(args []string) ([]int, error) {
	var out []int
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimPrefix(strings.TrimSpace(part), "#")
			if part == "" {
				continue
			}
			n, err := strconv.Atoi(part)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid issue number %q", part)
			}
			out = append(out, n)
		}
	}
	return out, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	issues, err := parseIssueArgs(args)
	if err != nil {
		return err
	}
	if len(issues) == 0 && len(runLabels) == 0 && runMilestone == "" {
		return fmt.Errorf("select issues by number, --label or --milestone")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	// The first signal shuts the fleet down; Shutdown is idempotent so
	// a second one only repeats the exit code.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	var signaled atomic.Bool
	exitCode := make(chan int, 1)
	go func() {
		select {
		case sig := <-sigs:
			signaled.Store(true)
			fmt.Fprintf(cmd.ErrOrStderr(), "\nreceived %s, shutting down...\n", sig)
			exitCode <- a.orch.Shutdown("signal", sig)
		case <-ctx.Done():
		}
	}()

	res, err := a.orch.Run(ctx, fleet.RunOptions{
		Issues:      issues,
		Labels:      runLabels,
		Milestone:   runMilestone,
		Resume:      runResume,
		MaxParallel: runMaxParallel,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		printRunResult(newRenderer(out), res)
	}

	if res.Interrupted {
		if signaled.Load() {
			return &ExitError{Code: <-exitCode}
		}
		return &ExitError{Code: 130}
	}
	if !res.Success {
		return &ExitError{Code: 1}
	}
	return nil
}

func printRunResult(r *renderer, res *fleet.Result) {
	fmt.Fprintln(r.w)
	r.heading("Run " + res.RunID)

	var rows [][]string
	for _, ir := range res.Issues {
		detail := ""
		switch {
		case ir.PR != nil:
			detail = ir.PR.URL
		case ir.Error != "":
			detail = truncate(ir.Error)
		case ir.PRError != "":
			detail = truncate(ir.PRError)
		}
		rows = append(rows, []string{
			"#" + strconv.Itoa(ir.Issue),
			r.status(ir.Status),
			formatTokens(ir.TokenUsage.Tokens()),
			ir.Duration.Round(time.Second).String(),
			detail,
		})
	}
	r.table([]string{"ISSUE", "STATUS", "TOKENS", "TIME", "DETAIL"}, rows)
	fmt.Fprintln(r.w)

	fmt.Fprintf(r.w, "PRs created:      %d\n", len(res.PRsCreated))
	fmt.Fprintf(r.w, "Code done, no PR: %d\n", len(res.CodeDoneNoPR))
	fmt.Fprintf(r.w, "Failed:           %d\n", len(res.Failed))
	if len(res.Skipped) > 0 {
		fmt.Fprintf(r.w, "Skipped:          %s\n", joinIssues(res.Skipped))
	}
	fmt.Fprintf(r.w, "Tokens:           %s\n", formatTokens(res.Tokens.Total))
	fmt.Fprintf(r.w, "Duration:         %s\n", res.Duration.Round(time.Second))

	for _, f := range res.Failed {
		where := ""
		if f.PhaseName != "" {
			where = fmt.Sprintf(" in phase %d (%s)", int(f.Phase), f.PhaseName)
		}
		fmt.Fprintf(r.w, "%s #%d%s: %s\n", r.style(errStyle, "✗"), f.Issue, where, truncate(f.Error))
	}
}

func joinIssues(issues []int) string {
	parts := make([]string, len(issues))
	for i, n := range issues {
		parts[i] = "#" + strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
