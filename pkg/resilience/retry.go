package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/constants"
)

// RetryConfig bounds the exponential backoff applied to upstream calls
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     constants.DefaultMaxRetries,
		InitialInterval: constants.DefaultRetryDelay,
		MaxInterval:     constants.DefaultMaxRetryDelay,
		Multiplier:      constants.DefaultRetryBackoffMultiplier,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done.
func Retry[T any](ctx context.Context, cfg *RetryConfig, logger *zap.Logger, name string, op func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}

	wrapped := func() (T, error) {
		res, err := op()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, next time.Duration) {
		if logger != nil {
			logger.Debug("Retrying upstream call",
				zap.String("call", name),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(notify),
	)
}
