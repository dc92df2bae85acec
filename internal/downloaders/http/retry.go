package mfhttp

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy computes per-chunk retry delays:
// min(MaxDelay, BaseDelay*Multiplier^attempt) jittered by ±Jitter, with raised
// floors for timeouts and rate limiting.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         float64
	TimeoutFloor   time.Duration
	RateLimitFloor time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2,
		Jitter:         0.35,
		TimeoutFloor:   5 * time.Second,
		RateLimitFloor: 10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter <= 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	if p.TimeoutFloor <= 0 {
		p.TimeoutFloor = d.TimeoutFloor
	}
	if p.RateLimitFloor <= 0 {
		p.RateLimitFloor = d.RateLimitFloor
	}
	return p
}

// RetryBackOff is the delay sequence for one chunk within one scheduling pass.
type RetryBackOff struct {
	policy RetryPolicy
	exp    *backoff.ExponentialBackOff
}

func (p RetryPolicy) NewBackOff() *RetryBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &RetryBackOff{policy: p, exp: exp}
}

// Next returns the delay before the next attempt after the given failure.
func (b *RetryBackOff) Next(failure *TransferError) time.Duration {
	delay := b.exp.NextBackOff()
	if delay == backoff.Stop {
		delay = b.policy.MaxDelay
	}
	if failure == nil {
		return delay
	}
	if failure.Class == ClassTimeout {
		delay = max(delay, b.policy.TimeoutFloor)
	}
	if failure.RateLimited() {
		delay = max(delay, b.policy.RateLimitFloor)
	}
	if failure.RetryAfter > 0 {
		delay = max(delay, min(failure.RetryAfter, b.policy.MaxDelay))
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
