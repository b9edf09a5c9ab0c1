// Package retry runs network operations with timeouts and exponential
// backoff chosen from the current connection quality.
package retry

import (
	"context"
	"time"

	"postkeeper/internal/domain/connectivity"
	"postkeeper/internal/platform/logging"
	"postkeeper/internal/platform/metrics"
)

// MaxDelay caps every backoff regardless of strategy.
const MaxDelay = 60 * time.Second

// QualitySource is the read side of the connection monitor.
type QualitySource interface {
	CurrentQuality() connectivity.Quality
}

// QualityFunc adapts a function to QualitySource.
type QualityFunc func() connectivity.Quality

func (f QualityFunc) CurrentQuality() connectivity.Quality { return f() }

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Engine struct {
	quality QualitySource
	sleep   SleepFunc
	logger  logging.Interface
	metrics *metrics.Metrics
}

type Option func(*Engine)

func WithSleep(fn SleepFunc) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithLogger(l logging.Interface) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(quality QualitySource, opts ...Option) *Engine {
	e := &Engine{quality: quality, sleep: sleepContext}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDiscard(e.logger)
	if e.quality == nil {
		e.quality = QualityFunc(func() connectivity.Quality { return connectivity.Excellent })
	}
	return e
}

func (e *Engine) Quality() connectivity.Quality { return e.quality.CurrentQuality() }

// Strategy is the preset for the quality observed right now.
func (e *Engine) Strategy() connectivity.Strategy {
	return connectivity.StrategyFor(e.Quality())
}

// DelayForAttempt is min(base·2^(n+1), MaxDelay) for the 0-indexed retry n.
func DelayForAttempt(s connectivity.Strategy, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := s.BaseDelay
	for i := 0; i <= n; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	return d
}

// ShouldRetry decides whether a failure of class c may be retried at quality q.
func ShouldRetry(c Class, q connectivity.Quality) bool {
	if !c.Transient() {
		return false
	}
	if c.ConnectivityDependent() && q == connectivity.None {
		return false
	}
	return true
}

// Do is Run for operations without a result.
func (e *Engine) Do(ctx context.Context, op connectivity.OperationType, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run calls fn until it succeeds, fails with a non-retryable error or the
// strategy's attempts are used up. Each attempt gets the per-request timeout
// for op at the current quality. Non-retryable and final errors are returned
// unchanged; cancellation of ctx yields a ClassCancelled error.
func Run[T any](ctx context.Context, e *Engine, op connectivity.OperationType, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	strategy := e.Strategy()
	attempts := 1 + strategy.MaxRetries

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			e.metrics.ObserveAttempt(op.String(), "cancelled")
			return zero, Cancelled(op.String(), err)
		}

		q := e.Quality()
		attemptCtx, cancel := context.WithTimeout(ctx, connectivity.TimeoutFor(q, op))
		v, err := fn(attemptCtx)
		cancel()
		if err == nil {
			e.metrics.ObserveAttempt(op.String(), "success")
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.metrics.ObserveAttempt(op.String(), "cancelled")
			return zero, Cancelled(op.String(), ctxErr)
		}
		lastErr = err

		class := Classify(err)
		if !ShouldRetry(class, e.Quality()) {
			e.metrics.ObserveAttempt(op.String(), "failed")
			if class.Transient() {
				e.logger.Info("%s failed with %s while disconnected, not retrying", op, class)
			}
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		delay := DelayForAttempt(strategy, attempt)
		e.metrics.ObserveAttempt(op.String(), "retry")
		e.logger.Warn("%s attempt %d/%d failed (%s), retrying in %s: %v",
			op, attempt+1, attempts, class, delay, err)
		if err := e.sleep(ctx, delay); err != nil {
			e.metrics.ObserveAttempt(op.String(), "cancelled")
			return zero, Cancelled(op.String(), err)
		}
	}

	e.metrics.ObserveAttempt(op.String(), "exhausted")
	e.logger.Warn("%s gave up after %d attempts: %v", op, attempts, lastErr)
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
