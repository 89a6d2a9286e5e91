package pipeline

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/event"
	"github.com/Iron-Ham/convoy/internal/platform"
)

// createPR pushes the issue branch and opens the pull request. Every
// failure is recorded in the result as PRError and nothing else changes:
// the issue stays code-complete.
func (x *run) createPR(ctx context.Context, st *checkpoint.IssueState) {
	res := x.result
	if st.PRURL != "" {
		res.PRCreated = true
		res.PR = &platform.PullRequest{URL: st.PRURL, Branch: x.in.Workspace.Branch}
		return
	}
	if x.platform == nil {
		res.PRError = "no platform configured"
		return
	}
	if err := x.openPR(ctx); err != nil {
		res.PRError = err.Error()
		x.log.Warn("PR creation failed, issue is code-complete without a PR", "error", err)
	}
}

func (x *run) openPR(ctx context.Context) error {
	ws := x.in.Workspace
	draft, err := artifact.Load[artifact.PRDraft](x.artifacts, artifact.PRFile)
	if err != nil {
		return fmt.Errorf("failed to read PR draft: %w", err)
	}

	var changed []string
	if x.vcs != nil {
		if changed, err = x.vcs.ChangedFilesSince(ctx, ws.Path, x.changeBase()); err != nil {
			x.log.Warn("failed to list changed files for reviewer rules", "error", err)
		}
		if err := x.vcs.Push(ctx, ws.Path, false); err != nil {
			return fmt.Errorf("failed to push %s: %w", ws.Branch, err)
		}
	}

	req, err := platform.BuildPRRequest(x.cfg.PR, x.in.Issue, draft.Title, draft.Body,
		ws.Branch, x.cfg.Git.BaseBranch, changed, draft.Labels)
	if err != nil {
		return err
	}
	pr, err := x.platform.CreatePR(ctx, req)
	if err != nil {
		return err
	}

	x.result.PR = pr
	x.result.PRCreated = true
	x.bus.Publish(event.NewPRCreatedEvent(x.in.Issue.Number, pr.Number, pr.URL))
	x.log.Info("pull request created", "url", pr.URL)
	return nil
}
