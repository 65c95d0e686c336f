// SPDX-FileCopyrightText: 2026 Stock Portfolio contributors
//
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// RetryConfig defines the configuration for retry operations
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first call (0 means no retries)
	MaxRetries int
	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries (0 means uncapped)
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff is multiplied after each retry
	BackoffMultiplier float64
	// Clock drives the delays. Defaults to the real clock.
	Clock clock.Clock
	// Retryable reports whether a failed call may be repeated. Nil retries every error.
	Retryable func(error) bool
}

// DefaultRetryConfig returns the delivery retry policy: 3 retries after 1s, 2s and 4s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Result is the tagged outcome of WithRetry. Exactly one of Value and Err is meaningful.
type Result[T any] struct {
	Value T
	Err   error
	// Attempts is the number of times the operation was invoked.
	Attempts int
}

// Ok reports whether the operation eventually succeeded.
func (r Result[T]) Ok() bool {
	return r.Err == nil
}

// DeliveryError is returned once every attempt of WithRetry has failed, or when
// the context ended while waiting for the next attempt.
type DeliveryError struct {
	Attempts int
	Cause    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// WithRetry calls op until it succeeds, Retryable rejects its error, or MaxRetries
// retries have been spent, waiting
// InitialBackoff before the first retry and multiplying the delay by BackoffMultiplier
// after each one.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op func(context.Context) (T, error)) Result[T] {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	backoff := cfg.InitialBackoff
	var lastErr error
	attempts := 0
	for {
		attempts++
		value, err := op(ctx)
		if err == nil {
			return Result[T]{Value: value, Attempts: attempts}
		}
		lastErr = err

		if attempts > maxRetries {
			break
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			break
		}

		zap.S().Debugw("Operation failed, retrying",
			"attempt", attempts,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err.Error(),
		)

		if backoff <= 0 {
			if ctx.Err() != nil {
				return Result[T]{Err: &DeliveryError{Attempts: attempts, Cause: ctx.Err()}, Attempts: attempts}
			}
		} else {
			select {
			case <-ctx.Done():
				return Result[T]{Err: &DeliveryError{Attempts: attempts, Cause: ctx.Err()}, Attempts: attempts}
			case <-clk.After(backoff):
			}
		}

		backoff = time.Duration(float64(backoff) * multiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return Result[T]{Err: &DeliveryError{Attempts: attempts, Cause: lastErr}, Attempts: attempts}
}
