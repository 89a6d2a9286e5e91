package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/fleet"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet status",
	Long: `Display the fleet checkpoint: every issue convoy has seen, its status,
branch, last completed phase and token spend.

With --watch the table is redrawn whenever the checkpoint changes.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusJSON  bool
	statusWatch bool
)

// watchDebounce coalesces the burst of events an atomic rename produces.
const watchDebounce = 150 * time.Millisecond

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Redraw when the checkpoint changes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	show := func() error {
		st, err := a.orch.Status(cmd.Context())
		if err != nil {
			return err
		}
		if statusJSON {
			return writeJSON(cmd.OutOrStdout(), st)
		}
		printStatus(newRenderer(cmd.OutOrStdout()), st)
		return nil
	}

	if !statusWatch {
		return show()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watchCheckpoint(ctx, a.stateDir, func() error {
		if !statusJSON && isTerminal(cmd.OutOrStdout()) {
			fmt.Fprint(cmd.OutOrStdout(), "\033[H\033[2J")
		}
		return show()
	})
}

// watchCheckpoint calls redraw once and again after every change to the
// fleet checkpoint in stateDir, until ctx is done.
func watchCheckpoint(ctx context.Context, stateDir string, redraw func() error) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// The directory is watched because the checkpoint is replaced by
	// rename, which drops a watch on the file itself.
	if err := watcher.Add(stateDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", stateDir, err)
	}
	if err := redraw(); err != nil {
		return err
	}

	target := filepath.Join(stateDir, checkpoint.FleetFileName)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		case <-timer.C:
			if err := redraw(); err != nil {
				return err
			}
		}
	}
}

func printStatus(r *renderer, st *fleet.Status) {
	if len(st.Issues) == 0 {
		fmt.Fprintln(r.w, "No issues have been run yet.")
		return
	}

	title := "Fleet"
	if st.Project != "" {
		title += " " + st.Project
	}
	r.heading(title)
	if st.RunID != "" {
		fmt.Fprintf(r.w, "Run: %s (resumed %d times)\n", st.RunID, st.ResumeCount)
	}
	if !st.LastCheckpoint.IsZero() {
		fmt.Fprintf(r.w, "Updated: %s\n", st.LastCheckpoint.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(r.w)

	var rows [][]string
	for _, is := range st.Issues {
		phase := "-"
		if is.LastCompletedPhase.Valid() {
			phase = fmt.Sprintf("%d %s", int(is.LastCompletedPhase), is.LastCompletedPhase)
		}
		detail := is.PRURL
		if detail == "" {
			detail = truncate(is.Error)
		}
		rows = append(rows, []string{
			"#" + strconv.Itoa(is.Number),
			truncate(is.Title),
			r.status(is.Status),
			phase,
			formatTokens(is.Tokens),
			detail,
		})
	}
	r.table([]string{"ISSUE", "TITLE", "STATUS", "LAST PHASE", "TOKENS", "DETAIL"}, rows)
	fmt.Fprintln(r.w)

	statuses := make([]string, 0, len(st.Counts))
	for s := range st.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(r.w, "%s: %d  ", r.status(checkpoint.Status(s)), st.Counts[checkpoint.Status(s)])
	}
	fmt.Fprintf(r.w, "\nTotal tokens: %s\n", formatTokens(st.TotalTokens))
}
