package retry

import (
	"context"
	"sync"
	"time"
)

// Operation is an attemptable unit of work. attempt is zero-based; the
// context is cancelled when the executor is cancelled.
type Operation[T any] func(ctx context.Context, attempt int) (T, error)

// Hooks are optional observation points into an execution. None of them is
// invoked after the execution has been cancelled.
type Hooks[T any] struct {
	// RetryIf decides whether err at the given zero-based attempt should be
	// retried. Nil means retry every error up to MaxRetries.
	RetryIf func(err error, attempt int) bool
	// OnRetry fires before waiting for a re-attempt. nextAttempt is the
	// 1-based number of the attempt about to run after delay.
	OnRetry func(err error, nextAttempt int, delay time.Duration)
	// OnSuccess fires once with the result and the total attempts used.
	OnSuccess func(result T, attempts int)
	// OnExhausted fires when MaxRetries was reached, not when RetryIf
	// declined a retry.
	OnExhausted func(err error, attempts int)
}

// State is a snapshot of an executor's transient retry bookkeeping.
type State[T any] struct {
	Attempt int
	Err     error
	Loading bool
	Result  T
	HasData bool
}

// Executor runs an operation with bounded retries and exponential backoff.
// A zero-value policy field falls back to DefaultPolicy semantics only where
// noted; callers normally pass an explicit Policy.
type Executor[T any] struct {
	policy Policy
	hooks  Hooks[T]

	mu      sync.Mutex
	cancel  context.CancelFunc
	attempt int
	lastErr error
	loading bool
	result  T
	hasData bool
}

// NewExecutor creates an executor with the given policy and hooks.
func NewExecutor[T any](policy Policy, hooks Hooks[T]) *Executor[T] {
	return &Executor[T]{policy: policy, hooks: hooks}
}

// CalculateDelay returns the delay that would precede re-attempt attempt+1,
// jitter included. Exposed for introspection and tests.
func (e *Executor[T]) CalculateDelay(attempt int) time.Duration {
	return e.policy.Delay(attempt)
}

// State returns a snapshot of the current retry state.
func (e *Executor[T]) State() State[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State[T]{
		Attempt: e.attempt,
		Err:     e.lastErr,
		Loading: e.loading,
		Result:  e.result,
		HasData: e.hasData,
	}
}

// Cancel aborts the in-flight execution. The operation's context is
// cancelled, no further retries are scheduled and no hooks fire afterwards.
// Safe to call with nothing running.
func (e *Executor[T]) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset clears the retry counter, last error, loading flag and last result.
// It does not cancel an in-flight execution; a call still running keeps
// going and will finish its own bookkeeping.
func (e *Executor[T]) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
	e.lastErr = nil
	e.loading = false
	var zero T
	e.result = zero
	e.hasData = false
}

// Execute runs op until it succeeds, the retry budget is exhausted, RetryIf
// declines, or the execution is cancelled. Attempt 0 runs immediately.
func (e *Executor[T]) Execute(ctx context.Context, op Operation[T]) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.loading = true
	e.attempt = 0
	e.lastErr = nil
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.cancel = nil
		e.loading = false
		e.mu.Unlock()
	}()

	var zero T
	for attempt := 0; ; attempt++ {
		e.mu.Lock()
		e.attempt = attempt
		e.mu.Unlock()

		result, err := op(ctx, attempt)
		if ctx.Err() != nil {
			// Cancelled or abandoned: stay silent, schedule nothing.
			return zero, ctx.Err()
		}
		if err == nil {
			e.mu.Lock()
			e.result = result
			e.hasData = true
			e.lastErr = nil
			e.mu.Unlock()
			if e.hooks.OnSuccess != nil {
				e.hooks.OnSuccess(result, attempt+1)
			}
			return result, nil
		}

		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()

		if e.hooks.RetryIf != nil && !e.hooks.RetryIf(err, attempt) {
			return zero, err
		}
		if attempt >= e.policy.MaxRetries {
			if e.hooks.OnExhausted != nil {
				e.hooks.OnExhausted(err, attempt+1)
			}
			return zero, err
		}

		delay := e.policy.Delay(attempt)
		if e.hooks.OnRetry != nil {
			e.hooks.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
