package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/convoy/internal/config"
	"github.com/Iron-Ham/convoy/internal/errors"
	"github.com/Iron-Ham/convoy/internal/logging"
)

// Policy bounds retries.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialDelay is the wait before the first retry; it doubles each time.
	InitialDelay time.Duration
	// MaxDelay caps the backoff. 0 means no cap.
	MaxDelay time.Duration
}

// PolicyFrom builds a policy from the agent section of the config.
func PolicyFrom(cfg *config.Config) Policy {
	if cfg == nil {
		return Policy{}
	}
	return Policy{
		MaxRetries:   cfg.Agent.MaxRetries,
		InitialDelay: cfg.Agent.RetryDelay(),
		MaxDelay:     2 * time.Minute,
	}
}

// delay returns the backoff before retry n (1-based).
func (p Policy) delay(n int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < n && d > 0; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the original error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Key      string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Key, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Executor retries functions according to a policy.
type Executor struct {
	policy  Policy
	history *History
	logger  *logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. history may be nil.
func NewExecutor(policy Policy, history *History, logger *logging.Logger) *Executor {
	if history == nil {
		history = NewHistory()
	}
	return &Executor{policy: policy, history: history, logger: logging.OrNop(logger), sleep: sleepCtx}
}

// History returns the executor's attempt history.
func (e *Executor) History() *History {
	return e.history
}

// Do calls fn until it succeeds, the attempts run out, ctx is done, or fn
// returns an error that must not be retried: budget exceeded,
// interruption, cancellation, or one wrapped with Permanent.
func (e *Executor) Do(ctx context.Context, key string, fn func(ctx context.Context, attempt int) error) error {
	e.history.begin(key, e.policy.MaxRetries)

	var last error
	attempts := e.policy.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		e.history.record(key, err)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("succeeded after retry", "key", key, "attempt", attempt)
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !shouldRetry(err) || ctx.Err() != nil {
			return err
		}

		last = err
		if attempt == attempts {
			break
		}
		wait := e.policy.delay(attempt)
		e.logger.Warn("attempt failed, retrying", "key", key, "attempt", attempt, "wait", wait.String(), "error", err.Error())
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}

	return &ExhaustedError{Key: key, Attempts: attempts, Last: last}
}

// shouldRetry retries unclassified failures such as a crashed agent. An
// error that carries its own classification decides for itself.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var classified errors.ConvoyError
	if errors.As(err, &classified) {
		return errors.IsRetryable(err)
	}
	switch {
	case errors.Is(err, errors.ErrBudgetExceeded),
		errors.Is(err, errors.ErrInterrupted),
		errors.Is(err, errors.ErrCanceled):
		return false
	default:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
