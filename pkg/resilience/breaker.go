package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/constants"
)

// ErrCircuitOpen is returned while an upstream circuit rejects calls
var ErrCircuitOpen = errors.New("upstream circuit open")

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures uint32
	// Timeout is how long the circuit stays open before probing again
	Timeout time.Duration
	// HalfOpenRequests is the number of probe calls allowed while half-open
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns the default circuit breaker configuration
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxFailures:      constants.DefaultBreakerFailures,
		Timeout:          constants.DefaultBreakerTimeout,
		HalfOpenRequests: 1,
	}
}

// Breaker guards one upstream dependency
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a circuit breaker named after the upstream it guards.
// Errors for which isExpected returns true (not found, bad request) do not
// count as failures.
func NewBreaker(name string, cfg *BreakerConfig, isExpected func(error) bool, logger *zap.Logger) *Breaker {
	if cfg == nil {
		cfg = DefaultBreakerConfig()
	}
	maxFailures := cfg.MaxFailures

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (isExpected != nil && isExpected(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("Circuit breaker state changed",
					zap.String("upstream", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker state as a string
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Execute runs op through the breaker. An open circuit surfaces as a permanent
// ErrCircuitOpen so Retry gives up immediately.
func Execute[T any](b *Breaker, op func() (T, error)) (T, error) {
	var zero T
	if b == nil {
		return op()
	}

	res, err := b.cb.Execute(func() (interface{}, error) {
		return op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, Permanent(ErrCircuitOpen)
	}
	if res == nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, err
}
