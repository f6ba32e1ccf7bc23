// SPDX-License-Identifier: Apache-2.0
// Package resilience provides retry with exponential backoff for calls
// to external collaborators such as the delegation pool.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/agentlens/mesh/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (must be >= 1).
	MaxAttempts int

	// InitialDelay is the initial backoff delay.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// IsRecoverable determines if an error should be retried. If nil,
	// only transport errors are retried.
	IsRecoverable func(error) bool

	// Jitter adds randomness to backoff to prevent thundering herd.
	// Value between 0 and 1; 0.1 means ±10% jitter.
	Jitter float64
}

// DefaultRetryConfig returns the retry settings used for pool calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: IsTransportError,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(attempts int) RetryConfig {
	rc.MaxAttempts = attempts
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithIsRecoverable returns a new config with IsRecoverable set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// IsTransportError reports whether err is a transient transport
// failure. State conflicts, not-found and permission failures are
// final answers from the remote side and must not be retried.
func IsTransportError(err error) bool {
	return errors.CodeOf(err) == errors.CodeTransport
}

// Do executes fn with retry logic, returning the last error if all
// attempts fail.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = IsTransportError
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = 2.0
	}

	var lastErr error
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.New(errors.CodeTimeout, "retry cancelled", ctx.Err())
			case <-time.After(rc.backoff(attempt)):
			}
		}
		if err := fn(); err != nil {
			lastErr = err
			if !rc.IsRecoverable(err) {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (rc RetryConfig) backoff(attempt int) time.Duration {
	delay := float64(rc.InitialDelay) * math.Pow(rc.Multiplier, float64(attempt-1))
	if rc.Jitter > 0 {
		delay *= 1 + rc.Jitter*(2*rand.Float64()-1)
	}
	if max := float64(rc.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}
