package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/songlist-pager/pkg/logging"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the appropriate retry configuration for an error class.
func RetryConfigForErrorClass(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassServer:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassRateLimit:
		// The quota window is a minute; short waits only burn more of it.
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        60 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// RetryPolicy picks the retry configuration for an error class.
type RetryPolicy func(ErrorClass) RetryConfig

// retrier runs request attempts with exponential backoff.
type retrier struct {
	policy RetryPolicy
	logger zerolog.Logger
}

func newRetrier(policy RetryPolicy, logger zerolog.Logger) retrier {
	if policy == nil {
		policy = RetryConfigForErrorClass
	}
	return retrier{policy: policy, logger: logger}
}

// backoffFor returns the un-jittered delay before retry number attempt (1-based).
func backoffFor(config RetryConfig, attempt int) time.Duration {
	backoff := config.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			return config.MaxBackoff
		}
	}
	if backoff > config.MaxBackoff {
		return config.MaxBackoff
	}
	return backoff
}

// do executes fn until it succeeds, fails with a non-retryable error, or the
// attempts allowed for the error's class run out. The class is re-evaluated
// after every attempt, so a server error followed by a quota error switches to
// the quota backoff. A Retry-After longer than the computed backoff wins.
func (r retrier) do(ctx context.Context, fn func() error, classify func(error) ErrorClass) error {
	var lastErr error
	var errorClass ErrorClass
	var config RetryConfig

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Info().
					Str(logging.FieldErrorClass, string(errorClass)).
					Int(logging.FieldAttempt, attempt).
					Msg("Search request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		errorClass = classify(err)
		config = r.policy(errorClass)

		if !shouldRetry(errorClass) {
			return lastErr
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		if attempt >= config.MaxAttempts {
			break
		}

		searchRetriesTotal.WithLabelValues(string(errorClass)).Inc()

		// Jitter (±20%) spreads retries of concurrent sessions apart.
		backoff := backoffFor(config, attempt)
		wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))

		var searchErr *SearchError
		if errors.As(err, &searchErr) && searchErr.RetryAfter > wait {
			wait = min(searchErr.RetryAfter, config.MaxBackoff)
		}
		searchRetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(wait.Seconds())

		r.logger.Warn().
			Err(err).
			Str(logging.FieldErrorClass, string(errorClass)).
			Int(logging.FieldAttempt, attempt).
			Dur(logging.FieldWaitDuration, wait).
			Msg("Retrying search request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Warn().
				Str(logging.FieldErrorClass, string(errorClass)).
				Int(logging.FieldAttempt, attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	searchRetryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	r.logger.Error().
		Err(lastErr).
		Str(logging.FieldErrorClass, string(errorClass)).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}
