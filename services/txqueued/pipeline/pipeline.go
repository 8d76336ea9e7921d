// Package pipeline chains typed task steps and retries transient failures
// with exponential backoff.
package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"txqueue/services/txqueued/txerr"
)

// Step is one unit of work whose output feeds the next step.
type Step[In, Out any] func(ctx context.Context, in In) (Out, error)

// Then runs next on the output of first.
func Then[A, B, C any](first Step[A, B], next Step[B, C]) Step[A, C] {
	return func(ctx context.Context, in A) (C, error) {
		mid, err := first(ctx, in)
		if err != nil {
			var zero C
			return zero, err
		}
		return next(ctx, mid)
	}
}

// Policy configures the retry schedule of a step.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomisation factor applied to every interval.
	Jitter     float64
	MaxRetries uint64
	// MaxElapsed bounds the total retry time. Zero means no bound.
	MaxElapsed time.Duration
	// OnRetry observes every retried failure.
	OnRetry func(err error, wait time.Duration)
}

// DefaultPolicy retries five times starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		MaxRetries:      5,
		MaxElapsed:      30 * time.Second,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 1 {
		exp.Multiplier = p.Multiplier
	}
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = p.MaxElapsed
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// Retry wraps step so transient failures are retried under p. Every other
// failure, fatal ones included, is returned on first occurrence.
func Retry[In, Out any](p Policy, step Step[In, Out]) Step[In, Out] {
	return func(ctx context.Context, in In) (Out, error) {
		op := func() (Out, error) {
			out, err := step(ctx, in)
			if err != nil && !txerr.IsTransient(err) {
				return out, backoff.Permanent(err)
			}
			return out, err
		}
		notify := func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(err, wait)
			}
		}
		return backoff.RetryNotifyWithData(op, p.backOff(ctx), notify)
	}
}

// Run executes step on in, retrying transient failures under p.
func Run[In, Out any](ctx context.Context, p Policy, step Step[In, Out], in In) (Out, error) {
	return Retry(p, step)(ctx, in)
}
