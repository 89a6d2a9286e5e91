// Package notify tells the operator when a run finishes or is interrupted.
package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/config"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/logging"
)

// Notification kinds.
const (
	KindCompleted   = "completed"
	KindInterrupted = "interrupted"
	KindIssueFailed = "issue-failed"
)

// Notification is one message for the operator.
type Notification struct {
	Kind    string
	Message string
	Issues  []int
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes notifications to the debug log.
type LogNotifier struct {
	Logger *logging.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Logger.Info("notification", "kind", n.Kind, "message", n.Message, "issues", n.Issues)
	return nil
}

// BellNotifier rings the terminal bell.
type BellNotifier struct {
	W io.Writer
}

// Notify implements Notifier.
func (b BellNotifier) Notify(context.Context, Notification) error {
	_, err := io.WriteString(b.W, "\a")
	return err
}

// CommandNotifier runs a shell command with CONVOY_EVENT, CONVOY_MESSAGE and
// CONVOY_ISSUES set.
type CommandNotifier struct {
	Command string
	Timeout time.Duration
}

// Notify implements Notifier.
func (c CommandNotifier) Notify(ctx context.Context, n Notification) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	issues := make([]string, len(n.Issues))
	for i, num := range n.Issues {
		issues[i] = strconv.Itoa(num)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Env = append(os.Environ(),
		"CONVOY_EVENT="+n.Kind,
		"CONVOY_MESSAGE="+n.Message,
		"CONVOY_ISSUES="+strings.Join(issues, ","),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notification command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the notifier described by cfg. Disabled notifications still log.
func New(cfg config.NotificationConfig, terminal io.Writer, logger *logging.Logger) Notifier {
	m := Multi{LogNotifier{Logger: logging.OrNop(logger)}}
	if !cfg.Enabled {
		return m
	}
	if cfg.Bell && terminal != nil {
		m = append(m, BellNotifier{W: terminal})
	}
	if strings.TrimSpace(cfg.Command) != "" {
		m = append(m, CommandNotifier{Command: cfg.Command})
	}
	return m
}

// Attach forwards run completion, interruption and failed issues from bus to
// n. Delivery errors are logged.
func Attach(bus *event.Bus, n Notifier, logger *logging.Logger) {
	logger = logging.OrNop(logger)
	send := func(note Notification) {
		if err := n.Notify(context.Background(), note); err != nil {
			logger.Warn("notification failed", "kind", note.Kind, "error", err)
		}
	}

	bus.Subscribe(event.TypeRunCompleted, func(e event.Event) {
		ev := e.(event.RunCompletedEvent)
		send(Notification{
			Kind: KindCompleted,
			Message: fmt.Sprintf("convoy run finished: %d PRs created, %d code done without PR, %d failed",
				ev.PRsCreated, ev.CodeDoneNoPR, ev.Failed),
		})
	})
	bus.Subscribe(event.TypeRunInterrupted, func(e event.Event) {
		ev := e.(event.RunInterruptedEvent)
		send(Notification{
			Kind:    KindInterrupted,
			Message: fmt.Sprintf("convoy run interrupted (%s); in progress: %s", ev.Reason, formatIssues(ev.InProgress)),
			Issues:  ev.InProgress,
		})
	})
	bus.Subscribe(event.TypeIssueCompleted, func(e event.Event) {
		ev := e.(event.IssueCompletedEvent)
		if st := checkpoint.Status(ev.Status); st != checkpoint.StatusFailed && st != checkpoint.StatusBudgetExceeded {
			return
		}
		send(Notification{
			Kind:    KindIssueFailed,
			Message: fmt.Sprintf("issue #%d %s: %s", ev.Issue, ev.Status, ev.Error),
			Issues:  []int{ev.Issue},
		})
	})
}

func formatIssues(issues []int) string {
	if len(issues) == 0 {
		return "none"
	}
	parts := make([]string, len(issues))
	for i, n := range issues {
		parts[i] = "#" + strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
