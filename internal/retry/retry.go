// Package retry holds the bounded exponential backoff shared by the page fetcher and the
// mutation queue. The remote gateway never retries on its own.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy configures bounded exponential backoff.
type Policy struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultPolicy retries three times starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
	}
}

// NoRetry disables retries.
func NoRetry() Policy {
	policy := DefaultPolicy()
	policy.MaxRetries = 0
	return policy
}

// Schedule hands out the delays of one retry sequence.
type Schedule struct {
	backOff   *backoff.ExponentialBackOff
	remaining int
}

// Schedule starts a fresh retry sequence for the policy.
func (p Policy) Schedule() *Schedule {
	backOff := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		backOff.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		backOff.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		backOff.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor >= 0 && p.RandomizationFactor < 1 {
		backOff.RandomizationFactor = p.RandomizationFactor
	}
	backOff.Reset()
	return &Schedule{backOff: backOff, remaining: max(p.MaxRetries, 0)}
}

// Next returns the delay before the next retry, or false once the retries are spent.
func (s *Schedule) Next() (time.Duration, bool) {
	if s.remaining <= 0 {
		return 0, false
	}
	s.remaining--
	return s.backOff.NextBackOff(), true
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn, retrying while retryable(err) holds and the policy has retries left.
// The last error is returned unchanged so callers can classify it.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(context.Context) error) error {
	schedule := policy.Schedule()
	for {
		err := fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		delay, ok := schedule.Next()
		if !ok {
			return err
		}
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}
