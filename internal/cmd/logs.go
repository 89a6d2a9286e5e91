package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View convoy logs",
	Long: `View and filter the debug log or the progress event log.

Examples:
  # Show the last 50 debug log lines
  convoy logs

  # Everything logged for issue 12
  convoy logs --issue 12 -n 0

  # Follow warnings and errors as they happen
  convoy logs -f --level warn

  # Search the last hour
  convoy logs --since 1h --grep "gate|budget"

  # Show the progress event log instead
  convoy logs --progress`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsIssue    int
	logsTail     int
	logsFollow   bool
	logsLevel    string
	logsSince    string
	logsGrep     string
	logsProgress bool
)

// followInterval is how often --follow polls for new lines.
const followInterval = 200 * time.Millisecond

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsIssue, "issue", "i", 0, "Only show entries for this issue")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().BoolVar(&logsProgress, "progress", false, "Show the progress event log")
}

// logEntry is one parsed debug.log line.
type logEntry struct {
	Time  time.Time
	Level string
	Msg   string
	Issue int
	Phase string
	Agent string
	Extra map[string]any
}

func (e *logEntry) UnmarshalJSON(data []byte) error {
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	take := func(key string) string {
		v, _ := all[key].(string)
		delete(all, key)
		return v
	}

	if ts := take("time"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("bad time %q: %w", ts, err)
		}
		e.Time = t
	}
	e.Level = take("level")
	e.Msg = take("msg")
	e.Phase = take("phase")
	e.Agent = take("agent")
	if n, ok := all["issue"].(float64); ok {
		e.Issue = int(n)
		delete(all, "issue")
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// logFilter holds the criteria shared by display and follow.
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
	issue    int
}

func newLogFilter(level, since, grep string, issue int, now time.Time) (logFilter, error) {
	f := logFilter{minLevel: -1, issue: issue}
	if level != "" {
		f.minLevel = levelPriority(logging.ParseLevel(level))
	}
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return f, fmt.Errorf("invalid duration format: %w", err)
		}
		f.since = now.Add(-d)
	}
	if grep != "" {
		re, err := regexp.Compile(grep)
		if err != nil {
			return f, fmt.Errorf("invalid grep pattern: %w", err)
		}
		f.grep = re
	}
	return f, nil
}

func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

func (f logFilter) match(e *logEntry) bool {
	if f.minLevel >= 0 && levelPriority(e.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && e.Time.Before(f.since) {
		return false
	}
	if f.issue > 0 && e.Issue != f.issue {
		return false
	}
	if f.grep != nil {
		text := e.Msg
		for _, v := range e.Extra {
			text += " " + fmt.Sprint(v)
		}
		if !f.grep.MatchString(text) {
			return false
		}
	}
	return true
}

func (r *renderer) levelStyle(level string) string {
	label := "[" + strings.ToUpper(level) + "]"
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return r.style(dimStyle, label)
	case logging.LevelInfo:
		return r.style(headerStyle, label)
	case logging.LevelWarn:
		return r.style(warnStyle, label)
	case logging.LevelError:
		return r.style(errStyle, label)
	default:
		return label
	}
}

func (r *renderer) logLine(e *logEntry) string {
	var sb strings.Builder
	sb.WriteString(r.style(dimStyle, "["+e.Time.Local().Format("15:04:05.000")+"]"))
	sb.WriteString(" ")
	sb.WriteString(r.levelStyle(e.Level))
	sb.WriteString(" ")
	sb.WriteString(e.Msg)

	field := func(k string, v any) {
		sb.WriteString(" ")
		sb.WriteString(r.style(activeStyle, k+"="))
		sb.WriteString(fmt.Sprint(v))
	}
	if e.Issue > 0 {
		field("issue", e.Issue)
	}
	if e.Phase != "" {
		field("phase", e.Phase)
	}
	if e.Agent != "" {
		field("agent", e.Agent)
	}
	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(k, e.Extra[k])
	}
	return sb.String()
}

// formatLine renders one raw debug.log line, or returns false when the
// filter rejects it. Lines that are not JSON pass through unfiltered.
func (r *renderer) formatLine(line string, f logFilter) (string, bool) {
	var e logEntry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return line, true
	}
	if !f.match(&e) {
		return "", false
	}
	return r.logLine(&e), true
}

func runLogs(cmd *cobra.Command, args []string) error {
	_, _, stateDir, err := locate()
	if err != nil {
		return err
	}
	r := newRenderer(cmd.OutOrStdout())

	filter, err := newLogFilter(logsLevel, logsSince, logsGrep, logsIssue, time.Now())
	if err != nil {
		return err
	}

	if logsProgress {
		return showProgress(r, afero.NewOsFs(), filepath.Join(stateDir, event.ProgressFileName), filter, logsTail)
	}

	logPath := filepath.Join(stateDir, logging.LogFileName)
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintf(r.w, "No logs found at %s\n", logPath)
		return nil
	}

	if logsFollow {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return followLogs(ctx, r, logPath, filter)
	}
	return displayLogs(r, logPath, logsTail, filter)
}

func displayLogs(r *renderer, logPath string, tail int, f logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	lines, err := filterLines(r, file, f)
	if err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, l := range lines {
		fmt.Fprintln(r.w, l)
	}
	if len(lines) == 0 {
		fmt.Fprintln(r.w, "No matching log entries found.")
	}
	return nil
}

func filterLines(r *renderer, src io.Reader, f logFilter) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if s, ok := r.formatLine(line, f); ok {
			out = append(out, s)
		}
	}
	return out, sc.Err()
}

// followLogs prints lines appended to logPath until ctx is done.
func followLogs(ctx context.Context, r *renderer, logPath string, f logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	fmt.Fprint(r.w, "Following logs... (Ctrl+C to stop)\n\n")

	reader := bufio.NewReader(file)
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	var partial string
	for {
		chunk, err := reader.ReadString('\n')
		partial += chunk
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("error reading log file: %w", err)
		}

		line := strings.TrimSpace(partial)
		partial = ""
		if line == "" {
			continue
		}
		if s, ok := r.formatLine(line, f); ok {
			fmt.Fprintln(r.w, s)
		}
	}
}

// showProgress prints the progress event log. Only the issue, since and
// grep filters apply; events carry no level.
func showProgress(r *renderer, fs afero.Fs, path string, f logFilter, tail int) error {
	entries, err := event.ReadProgress(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read progress log: %w", err)
	}

	var lines []string
	for _, e := range entries {
		if !f.since.IsZero() && e.Time.Before(f.since) {
			continue
		}
		data := string(e.Data)
		if f.issue > 0 && !progressMentionsIssue(e.Data, f.issue) {
			continue
		}
		if f.grep != nil && !f.grep.MatchString(e.Type+" "+data) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s %s",
			r.style(dimStyle, "["+e.Time.Local().Format("15:04:05")+"]"),
			r.style(activeStyle, e.Type),
			data))
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, l := range lines {
		fmt.Fprintln(r.w, l)
	}
	if len(lines) == 0 {
		fmt.Fprintln(r.w, "No progress events recorded.")
	}
	return nil
}

func progressMentionsIssue(data json.RawMessage, issue int) bool {
	var payload struct {
		Issue int `json:"issue"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return false
	}
	return payload.Issue == issue
}
