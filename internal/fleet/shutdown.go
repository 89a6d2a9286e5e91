package fleet

import (
	"context"
	"os"
	"syscall"

	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/event"
)

// ExitCode maps a terminating signal to the conventional 128+signo exit
// status. A nil or non-unix signal yields 1.
func ExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

// Shutdown stops the current run: agent processes are terminated, the
// platform is disconnected, in-progress issues are checkpointed as
// interrupted and a run.interrupted event is published once. Later calls
// only return the exit code of the first.
func (o *Orchestrator) Shutdown(reason string, sig os.Signal) int {
	o.shutdown.Do(func() {
		o.exitCode = ExitCode(sig)
		sigName := ""
		if sig != nil {
			sigName = sig.String()
		}

		o.mu.Lock()
		runID, cancel := o.runID, o.cancel
		o.mu.Unlock()
		inProgress := o.InProgress()

		log := o.log.With("run", runID)
		log.Warn("shutting down", "reason", reason, "signal", sigName, "in_progress", inProgress)

		if o.deps.Registry != nil {
			if n := o.deps.Registry.TerminateAll(shutdownGrace); n > 0 {
				log.Info("terminated agent processes", "count", n)
			}
		}
		if cancel != nil {
			cancel()
		}
		if o.deps.Platform != nil {
			if err := o.deps.Platform.Close(); err != nil {
				log.Warn("failed to disconnect platform", "error", err)
			}
		}

		for _, n := range inProgress {
			o.updateIssue(context.Background(), n, func(e *checkpoint.IssueStatus) {
				if !e.Status.IsTerminal() {
					e.Status = checkpoint.StatusInterrupted
				}
			})
		}
		o.bus.Publish(event.NewRunInterruptedEvent(runID, reason, sigName, inProgress))
	})
	return o.exitCode
}
