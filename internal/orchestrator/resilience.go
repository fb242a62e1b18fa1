package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskpilot/internal/backend"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts         int           // Attempts per execution, first try included (default 3)
	InitialInterval     time.Duration // Initial retry interval (default 1s)
	MaxInterval         time.Duration // Maximum retry interval (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	Failures uint32        // Consecutive failures that trip the breaker (default 5)
	Timeout  time.Duration // Time spent open before probing again (default 30s)
}

// BreakerOpenError is returned when a provider's circuit breaker rejects a call.
type BreakerOpenError struct {
	Provider string
	Err      error
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *BreakerOpenError) Unwrap() error { return e.Err }

// CircuitBreakerRegistry manages per-provider circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig) *CircuitBreakerRegistry {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given provider.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}

	failures := r.cfg.Failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1, // One trial request in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("WARNING: circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// A stopped execution says nothing about the provider
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[provider] = cb
	return cb
}

// Unavailable returns the providers whose breaker is open, with a reason
// suitable for the selector.
func (r *CircuitBreakerRegistry) Unavailable() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string)
	for name, cb := range r.breakers {
		if cb.State() == gobreaker.StateOpen {
			out[name] = "circuit breaker open"
		}
	}
	return out
}

// Timeout returns how long a tripped breaker stays open.
func (r *CircuitBreakerRegistry) Timeout() time.Duration {
	return r.cfg.Timeout
}

// monotonicBackOff never returns a shorter delay than the one before it, so
// jitter cannot make a later retry come sooner than an earlier one.
type monotonicBackOff struct {
	inner backoff.BackOff
	last  time.Duration
}

func (m *monotonicBackOff) NextBackOff() time.Duration {
	d := m.inner.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if d < m.last {
		d = m.last
	}
	m.last = d
	return d
}

func (m *monotonicBackOff) Reset() {
	m.inner.Reset()
	m.last = 0
}

// newBackOff builds the retry policy: exponential with jitter, non-decreasing,
// capped at MaxAttempts and bound to ctx.
func newBackOff(ctx context.Context, cfg RetryConfig) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = cfg.RandomizationFactor
	exp.MaxElapsedTime = 0 // Attempts are capped instead
	exp.Reset()

	var b backoff.BackOff = &monotonicBackOff{inner: exp}
	if cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// callWithRetry runs call through the provider's circuit breaker with
// exponential backoff. Transient errors are retried; permanent errors,
// cancellation and an open breaker stop immediately. The caller admits the
// first call; admit, if set, is asked before every retry and a denial ends
// the loop with its error. notify, if set, is invoked before each retry
// sleep. Returns the number of calls made.
func callWithRetry(ctx context.Context, cb *gobreaker.CircuitBreaker, cfg RetryConfig, admit func() error, call func(ctx context.Context) (*backend.Completion, error), notify func(attempt int, err error, delay time.Duration)) (*backend.Completion, int, error) {
	var (
		result   *backend.Completion
		attempts int
	)

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if attempts > 0 && admit != nil {
			if err := admit(); err != nil {
				return backoff.Permanent(err)
			}
		}

		out, err := cb.Execute(func() (interface{}, error) {
			attempts++
			return call(ctx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(&BreakerOpenError{Provider: cb.Name(), Err: err})
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || backend.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		result = out.(*backend.Completion)
		return nil
	}

	err := backoff.RetryNotify(operation, newBackOff(ctx, cfg), func(err error, d time.Duration) {
		if notify != nil {
			notify(attempts, err, d)
		}
	})
	return result, attempts, err
}
