package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Registry holds the shared limiters and concurrency ceilings of all providers.
// One registry is shared by every concurrent execution.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]Limiter
	slots    map[string]*semaphore.Weighted
}

// NewRegistry creates an empty registry. Unregistered providers are unlimited.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]Limiter),
		slots:    make(map[string]*semaphore.Weighted),
	}
}

// Set installs a limiter and a concurrent-request ceiling for a provider.
// A nil limiter or a non-positive ceiling disables that control.
func (r *Registry) Set(provider string, l Limiter, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l != nil {
		r.limiters[provider] = l
	} else {
		delete(r.limiters, provider)
	}
	if maxConcurrent > 0 {
		r.slots[provider] = semaphore.NewWeighted(int64(maxConcurrent))
	} else {
		delete(r.slots, provider)
	}
}

// Admit asks the provider's limiter for size units.
func (r *Registry) Admit(provider string, size int) error {
	r.mu.RLock()
	l, ok := r.limiters[provider]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	err := l.Allow(size)
	var exceeded *ExceededError
	if errors.As(err, &exceeded) {
		exceeded.Provider = provider
	}
	if err != nil {
		return fmt.Errorf("provider %s: %w", provider, err)
	}
	return nil
}

// Acquire waits for a concurrent-request slot. The returned release func
// must be called once the request finishes.
func (r *Registry) Acquire(ctx context.Context, provider string) (func(), error) {
	r.mu.RLock()
	sem, ok := r.slots[provider]
	r.mu.RUnlock()
	if !ok {
		return func() {}, nil
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
