package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"marketplace-purchase-saga/internal/domain"
)

// RetryPolicy bounds how often a backend read is repeated.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.Attempts <= 0 {
		return 1
	}
	return p.Attempts
}

// exponential backs off from Interval, for pre-checks and the wallet purchase call.
func (p RetryPolicy) exponential(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Interval
	eb.MaxInterval = 8 * p.Interval
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.attempts()-1)), ctx)
}

// constant waits Interval between attempts, for reconciliation.
func (p RetryPolicy) constant(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.attempts()-1)), ctx)
}

// retryTransient runs op until it succeeds, fails with anything other than
// domain.ErrTransientNetwork, or the policy is exhausted.
func retryTransient(ctx context.Context, p RetryPolicy, op func() error) error {
	if p.Interval <= 0 {
		p.Interval = 200 * time.Millisecond
	}
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, domain.ErrTransientNetwork) {
			return backoff.Permanent(err)
		}
		return err
	}, p.exponential(ctx))
}
