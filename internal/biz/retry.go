package biz

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/pkg/clock"
	autherrors "SessionGuard/pkg/errors"
	pkglog "SessionGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 250 * time.Millisecond
	defaultMaxDelay       = 4 * time.Second
	defaultAttemptTimeout = 8 * time.Second
)

// RetryPolicy bounds how a single remote call is retried.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 250ms..4s backoff, 8s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    defaultMaxAttempts,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

// withDefaults fills zero fields from d.
func (p RetryPolicy) withDefaults(d RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// Backoff returns the un-jittered delay before attempt+1, that is
// min(MaxDelay, BaseDelay*2^(attempt-1)).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryExecutor runs remote calls under the circuit breaker with bounded
// retries, and reports exactly one outcome per call to the breaker and the
// recorder.
type RetryExecutor struct {
	breaker  *CircuitBreaker
	recorder *PerformanceRecorder
	clock    clock.Clock
	policy   RetryPolicy
	sleep    Sleeper
	jitter   func(time.Duration) time.Duration
	logger   *pkglog.LogHelper
}

// NewRetryExecutor creates an executor from the resilience configuration.
func NewRetryExecutor(c *conf.Resilience, breaker *CircuitBreaker, recorder *PerformanceRecorder, clk clock.Clock, logger log.Logger) *RetryExecutor {
	policy := DefaultRetryPolicy()
	if c != nil && c.Retry != nil {
		policy = RetryPolicy{
			MaxAttempts:    c.Retry.MaxAttempts,
			BaseDelay:      c.Retry.BaseDelay,
			MaxDelay:       c.Retry.MaxDelay,
			AttemptTimeout: c.Retry.AttemptTimeout,
		}.withDefaults(policy)
	}

	ex := &RetryExecutor{
		breaker:  breaker,
		recorder: recorder,
		clock:    clk,
		policy:   policy,
		jitter:   equalJitter,
		logger:   pkglog.NewLogHelper(log.With(logger, "module", "biz/retry")),
	}
	ex.sleep = ex.clockSleep
	return ex
}

// Policy returns the default policy of the executor.
func (ex *RetryExecutor) Policy() RetryPolicy {
	return ex.policy
}

// SetSleeper replaces how backoff waits are performed.
func (ex *RetryExecutor) SetSleeper(s Sleeper) {
	ex.sleep = s
}

// SetJitter replaces the jitter applied to each backoff delay.
func (ex *RetryExecutor) SetJitter(fn func(time.Duration) time.Duration) {
	ex.jitter = fn
}

func (ex *RetryExecutor) clockSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ex.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// equalJitter keeps half of d and randomizes the other half.
func equalJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Execute runs op through ex and returns its value.
func Execute[T any](ctx context.Context, ex *RetryExecutor, category string, policy *RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := ex.Do(ctx, category, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Do runs op under category. A nil policy uses the executor default.
//
// Outcomes:
//   - breaker refuses the first attempt: *CircuitOpenError, nothing recorded
//   - success: nil
//   - fatal error (unauthorized, validation, unknown): the classified *AuthError
//   - retryable error on every attempt: *ExhaustedRetriesError
//   - breaker refuses a later attempt: *CircuitOpenError wrapping the last error
//   - ctx done: ctx.Err(), recorded as a failure but not reported to the breaker
func (ex *RetryExecutor) Do(ctx context.Context, category string, policy *RetryPolicy, op func(context.Context) error) error {
	p := ex.policy
	if policy != nil {
		p = policy.withDefaults(ex.policy)
	}

	var (
		elapsed time.Duration
		lastErr error
		probe   bool
	)

	for attempt := 1; ; attempt++ {
		ok, isProbe := ex.breaker.acquire(category)
		if !ok {
			openErr := &autherrors.CircuitOpenError{
				Category:   category,
				OpenedAt:   ex.breaker.OpenedAt(category),
				RetryAfter: ex.breaker.RetryAfter(category),
				Last:       lastErr,
			}
			if attempt == 1 {
				ex.logger.Debugw("msg", "call refused by open circuit", "category", category, "retry_after", openErr.RetryAfter)
				return openErr
			}
			ex.fail(category, false, elapsed, openErr)
			return openErr
		}
		probe = isProbe

		err := ex.attempt(ctx, category, p, op, &elapsed)
		if err == nil {
			ex.breaker.recordSuccess(category, probe)
			ex.recorder.Record(category, elapsed, true, "")
			if attempt > 1 {
				ex.logger.Success("call succeeded after retry", "category", category, "attempts", attempt, "elapsed", elapsed)
			}
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			ex.abandon(category, probe, elapsed, ctxErr)
			return ctxErr
		}

		classified := autherrors.Classify(category, err)
		lastErr = classified

		if !classified.Kind.Retryable() {
			ex.fail(category, probe, elapsed, classified)
			return classified
		}

		if attempt >= p.MaxAttempts {
			exhausted := &autherrors.ExhaustedRetriesError{
				Category: category,
				Attempts: attempt,
				Elapsed:  elapsed,
				Last:     classified,
			}
			ex.fail(category, probe, elapsed, exhausted)
			return exhausted
		}

		// A failed probe ends the call: the circuit reopens.
		if probe {
			ex.fail(category, true, elapsed, classified)
			return &autherrors.CircuitOpenError{
				Category:   category,
				OpenedAt:   ex.breaker.OpenedAt(category),
				RetryAfter: ex.breaker.RetryAfter(category),
				Last:       classified,
			}
		}

		delay := ex.jitter(p.Backoff(attempt))
		ex.logger.Retry(category, attempt+1,
			"kind", classified.Kind.String(),
			"backoff", delay,
			"error", classified.Error())

		if err := ex.sleep(ctx, delay); err != nil {
			ex.abandon(category, false, elapsed, err)
			return err
		}
	}
}

// attempt runs op once under the per-attempt timeout and adds its duration to elapsed.
func (ex *RetryExecutor) attempt(ctx context.Context, category string, p RetryPolicy, op func(context.Context) error, elapsed *time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	start := ex.clock.Now()
	err := op(attemptCtx)
	*elapsed += ex.clock.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return autherrors.Timeout(category, err)
	}
	return err
}

// fail emits the single failure outcome of a call.
func (ex *RetryExecutor) fail(category string, probe bool, elapsed time.Duration, err error) {
	ex.breaker.recordFailure(category, probe)
	ex.recorder.Record(category, elapsed, false, err.Error())
	ex.logger.Warnw("msg", "call failed",
		"category", category,
		"kind", autherrors.KindOf(err).String(),
		"elapsed", elapsed,
		"error", err.Error())
}

// abandon records a call the caller gave up on. The breaker gets no outcome
// and a held probe slot is released.
func (ex *RetryExecutor) abandon(category string, probe bool, elapsed time.Duration, err error) {
	if probe {
		ex.breaker.Release(category)
	}
	ex.recorder.Record(category, elapsed, false, err.Error())
	ex.logger.Infow("msg", "call abandoned by caller", "category", category, "error", err.Error())
}
