// Package ratelimit provides per-provider admission control.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Strategy selects an admission algorithm.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyTokenBucket   Strategy = "token_bucket"
)

// ErrRequestTooLarge is returned for a request that can never be admitted.
var ErrRequestTooLarge = errors.New("request size exceeds limiter capacity")

// ExceededError signals a denied request and the earliest time it may be retried.
type ExceededError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Provider, e.RetryAfter)
}

// Limiter admits or denies requests of a given size.
type Limiter interface {
	// Allow debits size units, or returns *ExceededError without debiting.
	Allow(size int) error
}

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// Settings describe one provider's limiter.
type Settings struct {
	Strategy        Strategy
	Requests        int           // Sliding window: max requests per Window
	Window          time.Duration // Sliding window length
	Capacity        int           // Token bucket size
	RefillPerSecond float64       // Token bucket refill rate
}

// New builds a limiter from settings. A nil clock means time.Now.
func New(s Settings, clock Clock) (Limiter, error) {
	switch s.Strategy {
	case StrategySlidingWindow:
		if s.Requests <= 0 || s.Window <= 0 {
			return nil, fmt.Errorf("sliding window needs positive requests and window, got %d/%s", s.Requests, s.Window)
		}
		return NewSlidingWindow(s.Requests, s.Window, clock), nil
	case StrategyTokenBucket:
		if s.Capacity <= 0 || s.RefillPerSecond <= 0 {
			return nil, fmt.Errorf("token bucket needs positive capacity and refill rate, got %d/%g", s.Capacity, s.RefillPerSecond)
		}
		return NewTokenBucket(s.Capacity, s.RefillPerSecond, clock), nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", s.Strategy)
	}
}

// SlidingWindow allows at most limit units per rolling window.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    Clock
	events []time.Time // Admission times, oldest first; one entry per unit
}

// NewSlidingWindow creates a sliding-window limiter.
func NewSlidingWindow(limit int, window time.Duration, clock Clock) *SlidingWindow {
	if clock == nil {
		clock = time.Now
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    clock,
	}
}

// Allow admits size units if the window has room for them.
func (w *SlidingWindow) Allow(size int) error {
	if size <= 0 {
		size = 1
	}
	if size > w.limit {
		return ErrRequestTooLarge
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	drop := 0
	for drop < len(w.events) && !w.events[drop].After(cutoff) {
		drop++
	}
	w.events = w.events[drop:]

	if len(w.events)+size > w.limit {
		// Room appears once enough of the oldest admissions slide out
		oldest := w.events[len(w.events)+size-w.limit-1]
		return &ExceededError{RetryAfter: oldest.Add(w.window).Sub(now)}
	}
	for i := 0; i < size; i++ {
		w.events = append(w.events, now)
	}
	return nil
}

// TokenBucket refills at a fixed rate up to its capacity.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int
	limiter  *rate.Limiter
	now      Clock
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity int, refillPerSecond float64, clock Clock) *TokenBucket {
	if clock == nil {
		clock = time.Now
	}
	return &TokenBucket{
		capacity: capacity,
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		now:      clock,
	}
}

// Allow debits size tokens if that many are available.
func (b *TokenBucket) Allow(size int) error {
	if size <= 0 {
		size = 1
	}
	if size > b.capacity {
		return ErrRequestTooLarge
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.limiter.AllowN(now, size) {
		return nil
	}

	// Reserve only to learn the delay, then hand the tokens back
	r := b.limiter.ReserveN(now, size)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return &ExceededError{RetryAfter: delay}
}
