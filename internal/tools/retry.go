package tools

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how transient executor failures are retried.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Base:     500 * time.Millisecond,
		Cap:      4 * time.Second,
	}
}

// NewBackOff returns an exponential backoff with jitter for this policy.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

var errTransient = errors.New("transient executor failure")

// RetryObserver is told about every retried attempt.
type RetryObserver func(operation, code string, attempt int)

// RetryingExecutor retries calls whose result carries a retryable error code.
// Non-retryable failures are returned on the first attempt.
type RetryingExecutor struct {
	Inner   Executor
	Policy  RetryPolicy
	OnRetry RetryObserver
}

func NewRetryingExecutor(inner Executor, policy RetryPolicy) *RetryingExecutor {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	return &RetryingExecutor{Inner: inner, Policy: policy}
}

func (r *RetryingExecutor) ListTables(ctx context.Context) Result[ListTablesResult] {
	return retryResult(ctx, r, "list_tables", func() Result[ListTablesResult] {
		return r.Inner.ListTables(ctx)
	})
}

func (r *RetryingExecutor) DescribeTable(ctx context.Context, table string) Result[DescribeTableResult] {
	return retryResult(ctx, r, "describe_table", func() Result[DescribeTableResult] {
		return r.Inner.DescribeTable(ctx, table)
	})
}

func (r *RetryingExecutor) RunSQL(ctx context.Context, sql string, limit int) Result[RowsResult] {
	return retryResult(ctx, r, "run_sql", func() Result[RowsResult] {
		return r.Inner.RunSQL(ctx, sql, limit)
	})
}

func retryResult[T any](ctx context.Context, r *RetryingExecutor, op string, call func() Result[T]) Result[T] {
	var last Result[T]
	attempt := 0
	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		last = call()
		if last.OK || !IsRetryable(last.Code()) {
			return struct{}{}, nil
		}
		if attempt < r.Policy.Attempts {
			log.Printf("[executor] %s failed with %s, retrying (attempt %d/%d)", op, last.Code(), attempt, r.Policy.Attempts)
			if r.OnRetry != nil {
				r.OnRetry(op, last.Code(), attempt)
			}
		}
		return struct{}{}, errTransient
	}, backoff.WithBackOff(r.Policy.NewBackOff()), backoff.WithMaxTries(uint(r.Policy.Attempts)))
	return last
}
