package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/config"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/logging"
)

// ExecLauncher runs the agent CLI as a subprocess, passing the prompt as
// the last argument and reading a JSON result object from stdout.
type ExecLauncher struct {
	Command  string
	Args     []string
	Timeout  time.Duration
	Registry *Registry
	Fs       afero.Fs
	Logger   *logging.Logger
}

// NewExecLauncher returns a launcher configured from cfg.
func NewExecLauncher(cfg *config.AgentConfig, registry *Registry, fs afero.Fs, logger *logging.Logger) *ExecLauncher {
	return &ExecLauncher{
		Command:  cfg.Command,
		Args:     append([]string(nil), cfg.Args...),
		Timeout:  cfg.Timeout(),
		Registry: registry,
		Fs:       fs,
		Logger:   logging.OrNop(logger),
	}
}

// cliResult is the object `claude --print --output-format json` emits.
type cliResult struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	Usage     *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// Launch runs the agent and waits for it. A non-zero exit is reported in
// the Result and as an error; a timeout is a retryable *errors.TimeoutError.
func (l *ExecLauncher) Launch(ctx context.Context, inv Invocation) (*Result, error) {
	if !inv.Agent.Valid() {
		return nil, errors.NewValidationError("unknown agent").WithField("agent").WithValue(string(inv.Agent))
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = l.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := logging.OrNop(l.Logger).WithIssue(inv.Issue).WithAgent(string(inv.Agent))
	args := append(append([]string(nil), l.Args...), inv.Prompt)
	cmd := exec.CommandContext(runCtx, l.Command, args...)
	cmd.Dir = inv.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start agent %s", inv.Agent)
	}
	untrack := func() {}
	if l.Registry != nil {
		untrack = l.Registry.Track(cmd.Process, inv.Agent, inv.Issue)
	}
	waitErr := cmd.Wait()
	untrack()

	res := &Result{
		Duration:   time.Since(start),
		ExitCode:   cmd.ProcessState.ExitCode(),
		Stderr:     strings.TrimSpace(stderr.String()),
		OutputPath: inv.OutputPath,
	}
	parseOutput(stdout.Bytes(), res)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return res, errors.NewTimeoutError(fmt.Sprintf("agent %s", inv.Agent), timeout)
	}

	if inv.OutputPath != "" && res.Output != "" && l.Fs != nil {
		if err := afero.WriteFile(l.Fs, inv.OutputPath, []byte(res.Output), 0o644); err != nil {
			return res, errors.Wrapf(err, "failed to write agent output")
		}
	}

	log.Info("agent finished", "phase", inv.Phase.String(), "task", inv.TaskID,
		"exit_code", res.ExitCode, "duration", res.Duration, "tokens", res.Usage.Tokens())

	if waitErr != nil || !res.Success {
		msg := res.Stderr
		if msg == "" {
			msg = firstLine(res.Output)
		}
		return res, fmt.Errorf("agent %s exited with code %d: %s", inv.Agent, res.ExitCode, msg)
	}
	return res, nil
}

// parseOutput fills res from stdout. The last line that decodes as a CLI
// result object wins; otherwise stdout is taken verbatim and usage is left
// nil.
func parseOutput(stdout []byte, res *Result) {
	res.Success = res.ExitCode == 0
	text := strings.TrimSpace(string(stdout))
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r cliResult
		if err := json.Unmarshal([]byte(line), &r); err != nil || r.Type != "result" {
			continue
		}
		res.Output = r.Result
		res.SessionID = r.SessionID
		res.Success = res.Success && !r.IsError
		if r.Usage != nil {
			u := &budget.Usage{
				Input:  r.Usage.InputTokens + r.Usage.CacheCreationInputTokens + r.Usage.CacheReadInputTokens,
				Output: r.Usage.OutputTokens,
			}
			if u.Tokens() > 0 {
				res.Usage = u
			}
		}
		return
	}
	res.Output = text
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
