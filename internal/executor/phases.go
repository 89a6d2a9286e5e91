package executor

import (
	"context"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/artifact"
)

type analysisExecutor struct {
	launcher agent.Launcher
}

// Execute runs the analyst, then the scout with the analysis in hand.
func (e *analysisExecutor) Execute(ctx context.Context, ec *Context) (string, error) {
	prompt, err := render(analystPrompt, promptData{Issue: ec.Issue})
	if err != nil {
		return "", err
	}
	if _, err := run(ctx, ec, e.launcher, agent.Analyst, "", prompt, artifact.AnalysisFile); err != nil {
		return "", err
	}

	prompt, err = render(scoutPrompt, promptData{
		Issue:    ec.Issue,
		Analysis: readOptional(ec.Artifacts, artifact.AnalysisFile),
	})
	if err != nil {
		return "", err
	}
	if _, err := run(ctx, ec, e.launcher, agent.Scout, "", prompt, artifact.ScoutFile); err != nil {
		return "", err
	}
	return ec.Artifacts.Path(artifact.AnalysisFile), nil
}

type planningExecutor struct {
	launcher agent.Launcher
}

func (e *planningExecutor) Execute(ctx context.Context, ec *Context) (string, error) {
	prompt, err := render(plannerPrompt, promptData{
		Issue:    ec.Issue,
		Analysis: readOptional(ec.Artifacts, artifact.AnalysisFile),
		Scout:    readOptional(ec.Artifacts, artifact.ScoutFile),
	})
	if err != nil {
		return "", err
	}
	if _, err := run(ctx, ec, e.launcher, agent.Planner, "", prompt, artifact.PlanFile); err != nil {
		return "", err
	}
	return ec.Artifacts.Path(artifact.PlanFile), nil
}

type integrationExecutor struct {
	launcher agent.Launcher
}

func (e *integrationExecutor) Execute(ctx context.Context, ec *Context) (string, error) {
	prompt, err := render(integrationPrompt, promptData{
		Issue:          ec.Issue,
		Plan:           readOptional(ec.Artifacts, artifact.PlanFile),
		Implementation: readOptional(ec.Artifacts, artifact.ImplementationFile),
		BaseCommit:     ec.BaseCommit,
	})
	if err != nil {
		return "", err
	}
	if _, err := run(ctx, ec, e.launcher, agent.IntegrationVerifier, "", prompt, artifact.IntegrationFile); err != nil {
		return "", err
	}
	return ec.Artifacts.Path(artifact.IntegrationFile), nil
}

type prExecutor struct {
	launcher agent.Launcher
}

func (e *prExecutor) Execute(ctx context.Context, ec *Context) (string, error) {
	prompt, err := render(prComposerPrompt, promptData{
		Issue:          ec.Issue,
		Analysis:       readOptional(ec.Artifacts, artifact.AnalysisFile),
		Implementation: readOptional(ec.Artifacts, artifact.ImplementationFile),
		Integration:    readOptional(ec.Artifacts, artifact.IntegrationFile),
		BaseCommit:     ec.BaseCommit,
	})
	if err != nil {
		return "", err
	}
	if _, err := run(ctx, ec, e.launcher, agent.PRComposer, "", prompt, artifact.PRFile); err != nil {
		return "", err
	}
	return ec.Artifacts.Path(artifact.PRFile), nil
}
