package scheduler

import (
	"context"
	"strings"
	"sync"
)

// Unit is one cancellable execution of a task. Pause suspends the unit at
// its next suspension point without losing streamed content; Stop cancels it.
type Unit struct {
	key    Key
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	paused  bool
	resume  chan struct{} // Closed when the unit is resumed
	stopped bool
	partial strings.Builder
}

// NewUnit creates a unit whose context derives from parent.
func NewUnit(parent context.Context, key Key) *Unit {
	ctx, cancel := context.WithCancel(parent)
	return &Unit{
		key:    key,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Key returns the task key the unit executes.
func (u *Unit) Key() Key {
	return u.key
}

// Context is cancelled when the unit is stopped.
func (u *Unit) Context() context.Context {
	return u.ctx
}

// Pause suspends the unit. Returns false if it was already paused.
func (u *Unit) Pause() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.paused {
		return false
	}
	u.paused = true
	u.resume = make(chan struct{})
	return true
}

// Resume lets a paused unit continue. Returns false if it was not paused.
func (u *Unit) Resume() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.paused {
		return false
	}
	u.paused = false
	close(u.resume)
	return true
}

// Paused reports whether the unit is suspended.
func (u *Unit) Paused() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paused
}

// Stop cancels the unit's in-flight call.
func (u *Unit) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
	u.cancel()
}

// Stopped reports whether Stop was called.
func (u *Unit) Stopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

// Release frees the unit's context resources.
func (u *Unit) Release() {
	u.cancel()
}

// WaitWhilePaused blocks until the unit is resumed or its context ends.
func (u *Unit) WaitWhilePaused() error {
	for {
		u.mu.Lock()
		if !u.paused {
			u.mu.Unlock()
			return u.ctx.Err()
		}
		ch := u.resume
		u.mu.Unlock()

		select {
		case <-ch:
		case <-u.ctx.Done():
			return u.ctx.Err()
		}
	}
}

// Append adds streamed content.
func (u *Unit) Append(delta string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.partial.WriteString(delta)
}

// Partial returns the content streamed so far.
func (u *Unit) Partial() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.partial.String()
}

// ResetPartial discards streamed content before a new attempt.
func (u *Unit) ResetPartial() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.partial.Reset()
}
