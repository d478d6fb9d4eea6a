package dataapi

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthExpired is returned when the API still rejects the request after
	// one token refresh.
	ErrAuthExpired = errors.New("access token rejected")
	// ErrResourceGone means the object no longer exists upstream.
	ErrResourceGone = errors.New("resource gone")
)

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// TransientError wraps failures worth retrying: transport errors, timeouts and
// 5xx responses. StatusCode is zero for transport errors.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure (status=%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a rate limit or transient failure.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}
