package list

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions bounds the optimistic retry loop.
type RetryOptions struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialInterval and MaxInterval pace the jittered exponential backoff
	// between attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryOptions matches the reference bound of 10 attempts.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:     10,
		InitialInterval: 2 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	d := DefaultRetryOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	return o
}

// WithRetry runs op inside a committed transaction, re-running it on lost
// races up to the attempt bound. Each attempt opens a fresh session, so op
// must not carry state between attempts; reads made in a failed attempt are
// discarded with its transaction.
//
// A *ConflictError from op ends the loop immediately, as does any error other
// than *ConditionFailedError. A *ConditionFailedError from op or from Commit
// iterates. An exhausted budget is reported as a conflict.
func WithRetry[T any](ctx context.Context, store Store, opts RetryOptions, op func(context.Context, Session) (T, error)) (T, error) {
	opts = opts.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialInterval
	bo.MaxInterval = opts.MaxInterval
	bo.MaxElapsedTime = 0

	var res T
	attempt := func() error {
		s, err := store.Begin(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer store.End(ctx, s)

		v, err := op(ctx, s)
		if err != nil {
			_ = store.Rollback(ctx, s)
			if IsConditionFailed(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := store.Commit(ctx, s); err != nil {
			if IsConditionFailed(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = v
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(opts.MaxAttempts-1)), ctx))
	if err != nil {
		var zero T
		if IsConditionFailed(err) {
			return zero, &ConflictError{Msg: "could not complete operation after several retries"}
		}
		return zero, err
	}
	return res, nil
}
