package scheduler

import (
	"sort"
	"sync"
)

// InFlightLocks guarantees at most one active execution per task key.
// Unlike a keyed mutex, acquisition never blocks: a second caller for a held
// key is told to back off so the scheduler loop is never parked on it.
type InFlightLocks struct {
	mu   sync.Mutex       // Guards the held map
	held map[Key]struct{} // Keys with an execution in flight
}

// NewInFlightLocks creates an empty lock set.
func NewInFlightLocks() *InFlightLocks {
	return &InFlightLocks{
		held: make(map[Key]struct{}),
	}
}

// TryAcquire takes the lock for key. Returns false if it is already held.
func (l *InFlightLocks) TryAcquire(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Release frees the lock for key. Releasing an unheld key is a no-op.
func (l *InFlightLocks) Release(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Held reports whether key has an execution in flight.
func (l *InFlightLocks) Held(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Keys returns the held keys in (project, sequence) order.
func (l *InFlightLocks) Keys() []Key {
	l.mu.Lock()
	keys := make([]Key, 0, len(l.held))
	for k := range l.held {
		keys = append(keys, k)
	}
	l.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ProjectID != keys[j].ProjectID {
			return keys[i].ProjectID < keys[j].ProjectID
		}
		return keys[i].Sequence < keys[j].Sequence
	})
	return keys
}
