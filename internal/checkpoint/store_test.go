package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/phase"
)

var fixedTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestStores(t *testing.T) *Stores {
	t.Helper()
	return NewStores(afero.NewMemMapFs(), "/state").WithClock(func() time.Time { return fixedTime })
}

func TestStore_LoadMissingReturnsDefault(t *testing.T) {
	stores := newTestStores(t)

	fleet, err := stores.Fleet().Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, fleet.SchemaVersion)
	assert.Empty(t, fleet.Issues)
	assert.False(t, stores.Fleet().Exists())

	issue, err := stores.Issue(7).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, issue.Issue)
	assert.Empty(t, issue.CompletedPhases)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	task := "t-2"

	apply := func(st *IssueState) error {
		st.MarkPhaseStarted(phase.Planning)
		st.MarkPhaseCompleted(phase.Analysis, "/wt/.convoy/analysis.md")
		st.MarkPhaseCompleted(phase.Planning, "/wt/.convoy/plan.md")
		st.CompleteTask("t-1")
		st.StartTask(task)
		st.FailTask("t-3")
		st.BlockTask("t-4")
		st.AddTokens("planner", phase.Planning, 1200)
		st.WorktreePath = "/wt"
		st.Branch = "convoy/issue-7"
		st.BaseCommit = "abc123"
		st.ResumeCount = 2
		return nil
	}

	mutated, err := stores.Issue(7).Mutate(ctx, apply)
	require.NoError(t, err)

	loaded, err := stores.Issue(7).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, mutated, loaded)

	expected := NewIssueState(7)
	require.NoError(t, apply(expected))
	expected.Touch(fixedTime)
	assert.Equal(t, expected, loaded)
	assert.Equal(t, fixedTime, loaded.LastCheckpoint)
	assert.Equal(t, phase.Planning, loaded.LastCompletedPhase())
	require.NotNil(t, loaded.CurrentTask)
	assert.Equal(t, "t-2", *loaded.CurrentTask)
}

func TestStore_FleetRoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	_, err := stores.Fleet().Mutate(ctx, func(st *FleetState) error {
		st.Project = "acme/widgets"
		entry := st.Issue(3)
		entry.Status = StatusInProgress
		entry.Title = "Fix it"
		st.AppendTokens(TokenRecord{ID: "r1", Issue: 3, Agent: "analyst", Phase: phase.Analysis, Tokens: 500, Input: 400, Output: 100, Timestamp: fixedTime})
		st.AppendTokens(TokenRecord{ID: "r2", Issue: 4, Agent: "planner", Phase: phase.Planning, Tokens: 250, Timestamp: fixedTime})
		return nil
	})
	require.NoError(t, err)

	loaded, err := stores.Fleet().Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", loaded.Project)
	assert.Equal(t, StatusInProgress, loaded.Issues[3].Status)
	assert.Equal(t, int64(750), loaded.Tokens.Total)
	assert.Equal(t, int64(500), loaded.Tokens.PerIssue[3])
	assert.Len(t, loaded.Tokens.Records, 2)
	assert.True(t, loaded.HasRecord("r2"))
	assert.False(t, loaded.HasRecord("r3"))
}

func TestStore_FailingMutationPersistsNothing(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	store := stores.Issue(1)

	_, err := store.Mutate(ctx, func(st *IssueState) error {
		st.MarkPhaseCompleted(phase.Analysis, "")
		return nil
	})
	require.NoError(t, err)

	boom := fmt.Errorf("boom")
	_, err = store.Mutate(ctx, func(st *IssueState) error {
		st.MarkPhaseCompleted(phase.Planning, "")
		return boom
	})
	require.ErrorIs(t, err, boom)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []phase.ID{phase.Analysis}, loaded.CompletedPhases)
}

func TestStore_WriteFailure(t *testing.T) {
	ctx := context.Background()
	store := NewStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/state/fleet.json", NewFleetState)

	_, err := store.Mutate(ctx, func(st *FleetState) error {
		st.Project = "x"
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCheckpointWrite)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Project)
}

func TestStore_NoTempFilesLeftBehind(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	for i := 0; i < 3; i++ {
		_, err := stores.Issue(2).Mutate(ctx, func(st *IssueState) error {
			st.ResumeCount++
			return nil
		})
		require.NoError(t, err)
	}

	entries, err := afero.ReadDir(stores.Fs(), stores.IssueDir(2))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, IssueFileName, entries[0].Name())
}

func TestStore_CorruptedFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/fleet-checkpoint.json", []byte("{not json"), 0o644))

	_, err := NewStores(fs, "/state").Fleet().Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrCheckpointCorrupted)
}

func TestStore_NewerSchemaRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/fleet-checkpoint.json", []byte(`{"schema_version": 99}`), 0o644))

	_, err := NewStores(fs, "/state").Fleet().Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrCheckpointCorrupted)
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestStores(t).Fleet().Mutate(ctx, func(*FleetState) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_ConcurrentMutationsSerialize(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := stores.Fleet().Mutate(ctx, func(st *FleetState) error {
				st.AppendTokens(TokenRecord{ID: fmt.Sprintf("r%d", i), Issue: i % 3, Tokens: 10})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loaded, err := stores.Fleet().Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Tokens.Records, 20)
	assert.Equal(t, int64(200), loaded.Tokens.Total)
}

func TestStores_ResetIssue(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	_, err := stores.Issue(5).Mutate(ctx, func(st *IssueState) error {
		st.MarkPhaseCompleted(phase.Analysis, "a.md")
		st.MarkPhaseCompleted(phase.Planning, "p.md")
		st.CompleteTask("t-1")
		st.AddTokens("analyst", phase.Analysis, 900)
		st.CodeComplete = true
		st.Branch = "convoy/issue-5"
		return nil
	})
	require.NoError(t, err)
	_, err = stores.Fleet().Mutate(ctx, func(st *FleetState) error {
		st.Issue(5).Status = StatusFailed
		st.Issue(5).Error = "gate failed"
		st.AppendTokens(TokenRecord{ID: "r1", Issue: 5, Tokens: 900})
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, stores.ResetIssue(ctx, 5))

	issue, err := stores.Issue(5).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, issue.CompletedPhases)
	assert.Empty(t, issue.CompletedTasks)
	assert.Empty(t, issue.PhaseOutputs)
	assert.False(t, issue.CodeComplete)
	assert.Equal(t, int64(900), issue.TotalTokens())
	assert.Equal(t, "convoy/issue-5", issue.Branch)

	fleet, err := stores.Fleet().Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, fleet.Issues[5].Status)
	assert.Empty(t, fleet.Issues[5].Error)
	assert.Len(t, fleet.Tokens.Records, 1)
}

func TestStores_IssueNumbers(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	nums, err := stores.IssueNumbers()
	require.NoError(t, err)
	assert.Empty(t, nums)

	for _, n := range []int{12, 3, 40} {
		_, err := stores.Issue(n).Mutate(ctx, func(*IssueState) error { return nil })
		require.NoError(t, err)
	}
	require.NoError(t, stores.Fs().MkdirAll("/state/issues/not-a-number", 0o755))

	nums, err = stores.IssueNumbers()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 12, 40}, nums)
	assert.Same(t, stores.Issue(3), stores.Issue(3))
}

func TestIssueState_CompletedPhasesOnlyGrow(t *testing.T) {
	st := NewIssueState(1)
	st.MarkPhaseCompleted(phase.Planning, "")
	st.MarkPhaseCompleted(phase.Analysis, "")
	st.MarkPhaseCompleted(phase.Planning, "")
	assert.Equal(t, []phase.ID{phase.Analysis, phase.Planning}, st.CompletedPhases)
	assert.True(t, st.IsPhaseCompleted(phase.Analysis))
	assert.False(t, st.IsPhaseCompleted(phase.Implementation))

	st.FailTask("t-1")
	st.CompleteTask("t-1")
	assert.Empty(t, st.FailedTasks)
	assert.True(t, st.IsTaskCompleted("t-1"))
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCodeDoneNoPR, StatusFailed, StatusBudgetExceeded} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusNotStarted, StatusInProgress, StatusInterrupted} {
		assert.False(t, s.IsTerminal(), s)
	}
}
