package dataapi

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy produces a fresh retry schedule for one logical operation.
type Policy interface {
	NewBackOff() backoff.BackOff
}

type PolicyFunc func() backoff.BackOff

func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// BackoffPolicy is exponential backoff with randomised jitter. MaxAttempts
// counts the first try.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

func (p BackoffPolicy) NewBackOff() backoff.BackOff {
	defaults := DefaultBackoffPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = defaults.Jitter
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}
