package budget

import (
	"fmt"
	"sync"

	"github.com/Iron-Ham/convoy/internal/checkpoint"
	"github.com/Iron-Ham/convoy/internal/config"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/logging"
	"github.com/Iron-Ham/convoy/internal/phase"
)

// ExceededError is the budget-exceeded signal. It is not a crash: the
// pipeline stops running phases and records a budget-exceeded outcome.
type ExceededError struct {
	Issue int
	Spent int64
	Limit int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("issue #%d spent %d tokens, over the limit of %d", e.Issue, e.Spent, e.Limit)
}

// Unwrap returns errors.ErrBudgetExceeded.
func (e *ExceededError) Unwrap() error { return errors.ErrBudgetExceeded }

// Config holds one issue's budget settings.
type Config struct {
	// TokenLimit is the ceiling; 0 disables enforcement.
	TokenLimit int64
	// WarningFraction fires OnWarning once spend reaches this share of the
	// limit. 0 disables the warning.
	WarningFraction float64
}

// ConfigFrom extracts the budget settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	if cfg == nil {
		return Config{}
	}
	return Config{
		TokenLimit:      cfg.Budget.TokenLimitPerIssue,
		WarningFraction: cfg.Budget.WarningFraction,
	}
}

// Callbacks defines callbacks for budget events.
type Callbacks struct {
	// OnWarning is called once when spend first reaches the warning fraction.
	OnWarning func(issue int, spent, limit int64)
	// OnExceeded is called once when Check first reports the limit exceeded.
	OnExceeded func(issue int, spent, limit int64)
}

// Guard tracks one issue's spend against its ceiling.
type Guard struct {
	issue     int
	cfg       Config
	tracker   *Tracker
	callbacks Callbacks
	logger    *logging.Logger

	mu       sync.Mutex
	spent    int64
	byPhase  map[phase.ID]int64
	byAgent  map[string]int64
	warned   bool
	exceeded bool
}

// NewGuard returns a guard for issue. Spend already in tracker for the
// issue (replayed on resume) counts toward the limit. tracker may be nil.
func NewGuard(issue int, cfg Config, tracker *Tracker, callbacks Callbacks, logger *logging.Logger) *Guard {
	g := &Guard{
		issue:     issue,
		cfg:       cfg,
		tracker:   tracker,
		callbacks: callbacks,
		logger:    logging.OrNop(logger).WithIssue(issue),
		byPhase:   make(map[phase.ID]int64),
		byAgent:   make(map[string]int64),
	}
	if tracker != nil {
		for _, r := range tracker.Records() {
			if r.Issue != issue {
				continue
			}
			g.spent += r.Tokens
			g.byPhase[r.Phase] += r.Tokens
			g.byAgent[r.Agent] += r.Tokens
		}
	}
	return g
}

// RecordTokens adds one invocation's usage. A nil usage or one worth zero
// tokens is ignored and reported with ok=false; agents that return no
// usable usage data must not touch the ledger.
func (g *Guard) RecordTokens(agent string, ph phase.ID, usage *Usage) (rec checkpoint.TokenRecord, ok bool) {
	tokens := usage.Tokens()
	if tokens <= 0 {
		return checkpoint.TokenRecord{}, false
	}

	rec = checkpoint.TokenRecord{
		Issue:  g.issue,
		Agent:  agent,
		Phase:  ph,
		Tokens: tokens,
		Input:  usage.Input,
		Output: usage.Output,
	}
	if g.tracker != nil {
		rec = g.tracker.Record(rec)
	}

	g.mu.Lock()
	g.spent += tokens
	g.byPhase[ph] += tokens
	g.byAgent[agent] += tokens
	spent := g.spent
	fireWarning := false
	if !g.warned && g.cfg.TokenLimit > 0 && g.cfg.WarningFraction > 0 &&
		float64(spent) >= g.cfg.WarningFraction*float64(g.cfg.TokenLimit) {
		g.warned = true
		fireWarning = true
	}
	g.mu.Unlock()

	g.logger.Debug("tokens recorded", "agent", agent, "phase", ph.String(), "tokens", tokens, "spent", spent)
	if fireWarning {
		g.logger.Warn("token budget warning threshold reached", "spent", spent, "limit", g.cfg.TokenLimit)
		if g.callbacks.OnWarning != nil {
			g.callbacks.OnWarning(g.issue, spent, g.cfg.TokenLimit)
		}
	}
	return rec, true
}

// Check returns an *ExceededError when spend is strictly greater than the
// limit. Spend exactly at the limit is still within budget.
func (g *Guard) Check() error {
	if g.cfg.TokenLimit <= 0 {
		return nil
	}

	g.mu.Lock()
	spent := g.spent
	over := spent > g.cfg.TokenLimit
	first := over && !g.exceeded
	if over {
		g.exceeded = true
	}
	g.mu.Unlock()

	if !over {
		return nil
	}
	if first {
		g.logger.Warn("token budget exceeded", "spent", spent, "limit", g.cfg.TokenLimit)
		if g.callbacks.OnExceeded != nil {
			g.callbacks.OnExceeded(g.issue, spent, g.cfg.TokenLimit)
		}
	}
	return &ExceededError{Issue: g.issue, Spent: spent, Limit: g.cfg.TokenLimit}
}

// Spent returns the issue's running total.
func (g *Guard) Spent() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent
}

// Remaining returns the tokens left before the limit, or -1 when unlimited.
func (g *Guard) Remaining() int64 {
	if g.cfg.TokenLimit <= 0 {
		return -1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return max(g.cfg.TokenLimit-g.spent, 0)
}

// PhaseSpend returns the issue's spend in one phase.
func (g *Guard) PhaseSpend(ph phase.ID) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byPhase[ph]
}

// AgentSpend returns a copy of the per-agent breakdown.
func (g *Guard) AgentSpend() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int64, len(g.byAgent))
	for k, v := range g.byAgent {
		out[k] = v
	}
	return out
}
