package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/config"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/phase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGuard_NilAndZeroAreNoOps(t *testing.T) {
	tracker := NewTracker()
	g := NewGuard(1, Config{TokenLimit: 100}, tracker, Callbacks{}, nil)

	_, ok := g.RecordTokens("analyst", phase.Analysis, nil)
	assert.False(t, ok)
	_, ok = g.RecordTokens("analyst", phase.Analysis, &Usage{})
	assert.False(t, ok)

	assert.Zero(t, g.Spent())
	assert.Empty(t, tracker.Records())

	rec, ok := g.RecordTokens("analyst", phase.Analysis, &Usage{Input: 3, Output: 2})
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.Tokens)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(5), g.Spent())
	assert.Len(t, tracker.Records(), 1)
}

func TestGuard_Boundary(t *testing.T) {
	tests := []struct {
		name    string
		spend   []int64
		limit   int64
		wantErr bool
	}{
		{"below limit", []int64{40, 50}, 100, false},
		{"exactly at limit", []int64{60, 40}, 100, false},
		{"one over limit", []int64{60, 41}, 100, true},
		{"single large record", []int64{500}, 100, true},
		{"limit disabled", []int64{1 << 40}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(9, Config{TokenLimit: tt.limit}, nil, Callbacks{}, nil)
			for _, n := range tt.spend {
				g.RecordTokens("implementer", phase.Implementation, &Usage{Total: n})
			}
			err := g.Check()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrBudgetExceeded)
			var ee *ExceededError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, 9, ee.Issue)
			assert.Equal(t, tt.limit, ee.Limit)
		})
	}
}

func TestGuard_CheckRaisesExactlyWhenOver(t *testing.T) {
	g := NewGuard(1, Config{TokenLimit: 10}, nil, Callbacks{}, nil)
	for i := 1; i <= 12; i++ {
		g.RecordTokens("scout", phase.Analysis, &Usage{Total: 1})
		err := g.Check()
		if int64(i) > 10 {
			assert.Error(t, err, "spent %d", i)
		} else {
			assert.NoError(t, err, "spent %d", i)
		}
	}
}

func TestGuard_Callbacks(t *testing.T) {
	var warnings, exceeded int
	g := NewGuard(4, Config{TokenLimit: 100, WarningFraction: 0.8}, nil, Callbacks{
		OnWarning:  func(issue int, spent, limit int64) { warnings++ },
		OnExceeded: func(issue int, spent, limit int64) { exceeded++ },
	}, nil)

	g.RecordTokens("planner", phase.Planning, &Usage{Total: 79})
	assert.Equal(t, 0, warnings)
	g.RecordTokens("planner", phase.Planning, &Usage{Total: 1})
	assert.Equal(t, 1, warnings)
	g.RecordTokens("planner", phase.Planning, &Usage{Total: 30})
	assert.Equal(t, 1, warnings, "warning fires once")

	assert.Error(t, g.Check())
	assert.Error(t, g.Check())
	assert.Equal(t, 1, exceeded, "exceeded callback fires once")
	assert.Equal(t, int64(0), g.Remaining())
}

func TestGuard_SeedsFromTracker(t *testing.T) {
	tracker := NewTracker()
	tracker.Import([]checkpoint.TokenRecord{
		{ID: "a", Issue: 2, Agent: "analyst", Phase: phase.Analysis, Tokens: 70},
		{ID: "b", Issue: 3, Agent: "analyst", Phase: phase.Analysis, Tokens: 500},
	})

	g := NewGuard(2, Config{TokenLimit: 100}, tracker, Callbacks{}, nil)
	assert.Equal(t, int64(70), g.Spent())
	assert.Equal(t, int64(30), g.Remaining())
	assert.Equal(t, int64(70), g.PhaseSpend(phase.Analysis))
	assert.Equal(t, map[string]int64{"analyst": 70}, g.AgentSpend())

	g.RecordTokens("planner", phase.Planning, &Usage{Total: 31})
	assert.Error(t, g.Check())
}

func TestTracker_ImportSkipsDuplicates(t *testing.T) {
	tracker := NewTracker()
	recs := []checkpoint.TokenRecord{{ID: "x", Issue: 1, Tokens: 5}, {ID: "y", Issue: 1, Tokens: 6}}
	assert.Equal(t, 2, tracker.Import(recs))
	assert.Equal(t, 0, tracker.Import(recs))
	assert.Equal(t, int64(11), tracker.IssueTotal(1))
}

func TestTracker_Totals(t *testing.T) {
	tracker := NewTracker()
	tracker.Record(checkpoint.TokenRecord{Issue: 1, Agent: "analyst", Phase: phase.Analysis, Tokens: 10, Input: 7, Output: 3})
	tracker.Record(checkpoint.TokenRecord{Issue: 2, Agent: "planner", Phase: phase.Planning, Tokens: 20, Input: 15, Output: 5})
	tracker.Record(checkpoint.TokenRecord{Issue: 1, Agent: "planner", Phase: phase.Planning, Tokens: 5})

	totals := tracker.Totals()
	assert.Equal(t, int64(35), totals.Total)
	assert.Equal(t, int64(22), totals.Input)
	assert.Equal(t, map[int]int64{1: 15, 2: 20}, totals.PerIssue)
	assert.Equal(t, map[string]int64{"analyst": 10, "planner": 25}, totals.PerAgent)
	assert.Equal(t, map[phase.ID]int64{phase.Analysis: 10, phase.Planning: 25}, totals.PerPhase)
}

func TestTracker_ConcurrentRecord(t *testing.T) {
	tracker := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(issue int) {
			defer wg.Done()
			g := NewGuard(issue, Config{}, tracker, Callbacks{}, nil)
			g.RecordTokens("implementer", phase.Implementation, &Usage{Total: 2})
		}(i % 5)
	}
	wg.Wait()
	assert.Equal(t, int64(100), tracker.Totals().Total)
}

func TestUsage(t *testing.T) {
	var nilUsage *Usage
	assert.Zero(t, nilUsage.Tokens())
	assert.Equal(t, int64(9), (&Usage{Input: 4, Output: 5}).Tokens())
	assert.Equal(t, int64(12), (&Usage{Input: 4, Output: 5, Total: 12}).Tokens())

	sum := nilUsage.Add(&Usage{Input: 1, Output: 2}).Add(&Usage{Total: 10})
	assert.Equal(t, int64(13), sum.Tokens())
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Budget.TokenLimitPerIssue = 5000
	got := ConfigFrom(cfg)
	assert.Equal(t, int64(5000), got.TokenLimit)
	assert.InDelta(t, 0.8, got.WarningFraction, 1e-9)
	assert.Equal(t, Config{}, ConfigFrom(nil))
}
