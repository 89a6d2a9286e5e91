package testutil

import (
	"context"
	"sync/atomic"

	"github.com/Iron-Ham/convoy/internal/agent"
	"github.com/Iron-Ham/convoy/internal/artifact"
	"github.com/Iron-Ham/convoy/internal/budget"
	"github.com/Iron-Ham/convoy/internal/executor"
	"github.com/Iron-Ham/convoy/internal/phase"
)

// Phase artifacts that pass every gate.
const (
	AnalysisArtifact = "Analysis done.\n```json\n" +
		`{"summary":"add a cache","requirements":["cache lookups"],"changeType":"feature","scope":"internal/cache"}` +
		"\n```\n"
	ScoutArtifact = "```json\n" +
		`{"relevantFiles":[{"path":"README.md","reason":"entry point"}]}` +
		"\n```\n"
	PlanArtifact = "```json\n" +
		`{"summary":"one task","tasks":[{"id":"t1","name":"cache","description":"add cache","files":["README.md"],"acceptanceCriteria":["works"]}]}` +
		"\n```\n"
	ImplementationArtifact = "```json\n" + `{"tasks":[{"taskId":"t1","status":"done"}]}` + "\n```\n"
	IntegrationArtifact    = "```json\n" +
		`{"buildResult":{"pass":true},"testResult":{"pass":true},"summary":"green"}` +
		"\n```\n"
	PRArtifact = "```json\n" + `{"title":"Add cache","body":"Adds a cache."}` + "\n```\n"
)

// StubPhase returns an executor that writes files into the artifact
// directory, charges tokens to the given agent and counts its calls.
func StubPhase(calls *atomic.Int32, id agent.ID, tokens int64, files map[string]string, output string) executor.Executor {
	return executor.Func(func(ctx context.Context, ec *executor.Context) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		if tokens > 0 && ec.Progress != nil {
			if err := ec.Progress.RecordUsage(ctx, id, &budget.Usage{Input: tokens}); err != nil {
				return "", err
			}
		}
		for name, content := range files {
			if _, err := ec.Artifacts.Write(name, content); err != nil {
				return "", err
			}
		}
		return ec.Artifacts.Path(output), nil
	})
}

// StubCalls counts executor invocations per phase.
type StubCalls map[phase.ID]*atomic.Int32

// StubExecutors returns a Set whose phases all produce passing artifacts,
// charging tokens per phase. The returned counters record calls.
func StubExecutors(tokens int64) (executor.Set, StubCalls) {
	calls := StubCalls{}
	for _, id := range phase.All() {
		calls[id] = &atomic.Int32{}
	}
	set := executor.Set{
		Analysis: StubPhase(calls[phase.Analysis], agent.Analyst, tokens, map[string]string{
			artifact.AnalysisFile: AnalysisArtifact,
			artifact.ScoutFile:    ScoutArtifact,
		}, artifact.AnalysisFile),
		Planning: StubPhase(calls[phase.Planning], agent.Planner, tokens,
			map[string]string{artifact.PlanFile: PlanArtifact}, artifact.PlanFile),
		Implementation: StubPhase(calls[phase.Implementation], agent.Implementer, tokens,
			map[string]string{artifact.ImplementationFile: ImplementationArtifact}, artifact.ImplementationFile),
		Integration: StubPhase(calls[phase.IntegrationVerification], agent.IntegrationVerifier, tokens,
			map[string]string{artifact.IntegrationFile: IntegrationArtifact}, artifact.IntegrationFile),
		PRComposition: StubPhase(calls[phase.PRComposition], agent.PRComposer, tokens,
			map[string]string{artifact.PRFile: PRArtifact}, artifact.PRFile),
	}
	return set, calls
}
