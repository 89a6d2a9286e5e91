// Package budget accounts for agent token spend. A Tracker is the
// fleet-wide ledger; a Guard enforces one issue's ceiling against it.
package budget

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/phase"
)

// Usage is the token usage one agent invocation reported.
type Usage struct {
	Input  int64 `json:"input_tokens"`
	Output int64 `json:"output_tokens"`
	// Total overrides Input+Output when the agent reports it separately
	// (for example when cache tokens are counted).
	Total int64 `json:"total_tokens,omitempty"`
}

// Tokens returns the spend this usage represents.
func (u *Usage) Tokens() int64 {
	if u == nil {
		return 0
	}
	if u.Total > 0 {
		return u.Total
	}
	return u.Input + u.Output
}

// Add returns the sum of u and other. Nil operands count as zero.
func (u *Usage) Add(other *Usage) *Usage {
	out := &Usage{}
	for _, x := range []*Usage{u, other} {
		if x == nil {
			continue
		}
		out.Input += x.Input
		out.Output += x.Output
		out.Total += x.Tokens()
	}
	return out
}

// Totals is a snapshot of the ledger's aggregates.
type Totals struct {
	Total    int64              `json:"total"`
	Input    int64              `json:"input_tokens"`
	Output   int64              `json:"output_tokens"`
	PerIssue map[int]int64      `json:"per_issue"`
	PerAgent map[string]int64   `json:"per_agent"`
	PerPhase map[phase.ID]int64 `json:"per_phase"`
}

// Tracker is the fleet-wide, append-only token ledger. It is safe for
// concurrent use by every issue pipeline in a run.
type Tracker struct {
	mu      sync.RWMutex
	records []checkpoint.TokenRecord
	seen    map[string]bool
	now     func() time.Time
}

// NewTracker returns an empty ledger.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]bool), now: time.Now}
}

// Record appends rec, filling in an id and timestamp when absent, and
// returns the stored record.
func (t *Tracker) Record(rec checkpoint.TokenRecord) checkpoint.TokenRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now().UTC()
	}
	t.records = append(t.records, rec)
	t.seen[rec.ID] = true
	return rec
}

// Import replays previously persisted records, skipping ids already in
// the ledger. It returns how many records were added.
func (t *Tracker) Import(records []checkpoint.TokenRecord) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, rec := range records {
		if rec.ID != "" && t.seen[rec.ID] {
			continue
		}
		t.records = append(t.records, rec)
		if rec.ID != "" {
			t.seen[rec.ID] = true
		}
		added++
	}
	return added
}

// Records returns a copy of the ledger in insertion order.
func (t *Tracker) Records() []checkpoint.TokenRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]checkpoint.TokenRecord, len(t.records))
	copy(out, t.records)
	return out
}

// IssueTotal returns the recorded spend for one issue.
func (t *Tracker) IssueTotal(issue int) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, r := range t.records {
		if r.Issue == issue {
			total += r.Tokens
		}
	}
	return total
}

// Totals aggregates the ledger.
func (t *Tracker) Totals() Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := Totals{
		PerIssue: make(map[int]int64),
		PerAgent: make(map[string]int64),
		PerPhase: make(map[phase.ID]int64),
	}
	for _, r := range t.records {
		out.Total += r.Tokens
		out.Input += r.Input
		out.Output += r.Output
		out.PerIssue[r.Issue] += r.Tokens
		out.PerAgent[r.Agent] += r.Tokens
		out.PerPhase[r.Phase] += r.Tokens
	}
	return out
}
