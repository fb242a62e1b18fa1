package scheduler

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a key does not name a known task.
var ErrTaskNotFound = errors.New("task not found")

// ErrNotReady is returned when a task is asked to run before its trigger is satisfied.
var ErrNotReady = errors.New("task trigger not satisfied")

// ValidationError reports malformed task or trigger input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// CycleDetectedError is returned when an edge would make the graph cyclic.
type CycleDetectedError struct {
	From int // Dependency
	To   int // Dependent
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("dependency %d -> %d would create a cycle", e.From, e.To)
}
