package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// TransitionError is returned when a user action does not apply to the
// task's current status.
type TransitionError struct {
	Key    scheduler.Key
	From   scheduler.TaskStatus
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s task %s in status %s", e.Action, e.Key, e.From)
}

// Pause suspends the task. A running execution stops at its next
// suspension point and keeps its streamed content; a waiting task is not
// dispatched until resumed.
func (s *Service) Pause(ctx context.Context, key scheduler.Key) error {
	if _, err := s.mutate(ctx, key, "", func(t *scheduler.Task) error {
		t.IsPaused = true
		return nil
	}); err != nil {
		return err
	}
	if exec, ok := s.inflight(key); ok {
		exec.unit.Pause()
	}
	return nil
}

// Resume clears the paused flag and lets a suspended execution continue.
func (s *Service) Resume(ctx context.Context, key scheduler.Key) error {
	if _, err := s.mutate(ctx, key, "", func(t *scheduler.Task) error {
		t.IsPaused = false
		return nil
	}); err != nil {
		return err
	}
	if exec, ok := s.inflight(key); ok {
		exec.unit.Resume()
	}
	s.Wake()
	return nil
}

// Stop cancels the in-flight execution of key and waits until its lock is
// released. Streamed content is kept as partial output and the status is
// left unchanged.
func (s *Service) Stop(ctx context.Context, key scheduler.Key) error {
	exec, ok := s.inflight(key)
	if !ok {
		return fmt.Errorf("task %s: %w", key, ErrNotInFlight)
	}
	exec.unit.Stop()

	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopIfRunning stops key when an execution is in flight.
func (s *Service) stopIfRunning(ctx context.Context, key scheduler.Key) error {
	if err := s.Stop(ctx, key); err != nil && !errors.Is(err, ErrNotInFlight) {
		return err
	}
	return nil
}

// Retry resets the task to todo, appending feedback to its description when
// given, and immediately executes it.
func (s *Service) Retry(ctx context.Context, key scheduler.Key, feedback string) error {
	if err := s.stopIfRunning(ctx, key); err != nil {
		return err
	}
	if _, err := s.mutate(ctx, key, "retry", func(t *scheduler.Task) error {
		t.Status = scheduler.StatusTodo
		t.Error = ""
		if feedback != "" {
			t.Description += "\n\nFeedback: " + feedback
		}
		return nil
	}); err != nil {
		return err
	}
	s.evaluator.Rearm(key)
	return s.Execute(ctx, key)
}

// Approve confirms the action a needs_approval task asked about. The task
// re-enters in_progress and continues from its partial output.
func (s *Service) Approve(ctx context.Context, key scheduler.Key) error {
	task, err := s.Task(key)
	if err != nil {
		return err
	}
	if task.Status != scheduler.StatusNeedsApproval {
		return &TransitionError{Key: key, From: task.Status, Action: "approve"}
	}
	if !s.locks.TryAcquire(key) {
		return &TransitionError{Key: key, From: scheduler.StatusInProgress, Action: "approve"}
	}
	exec := s.track(ctx, key)
	defer s.untrack(exec)

	partial, err := s.store.Partial(ctx, key)
	if err != nil {
		return fmt.Errorf("task %s: load partial output: %w", key, err)
	}
	return s.execute(ctx, exec, &continuation{partial: partial})
}

// Reject sends a needs_approval or in_review task back to todo with the
// reason appended to its description so the next attempt sees it.
func (s *Service) Reject(ctx context.Context, key scheduler.Key, reason string) error {
	if _, err := s.mutate(ctx, key, reason, func(t *scheduler.Task) error {
		switch t.Status {
		case scheduler.StatusNeedsApproval, scheduler.StatusInReview:
		default:
			return &TransitionError{Key: key, From: t.Status, Action: "reject"}
		}
		t.Status = scheduler.StatusTodo
		if reason != "" {
			t.Description += "\n\nRejection feedback: " + reason
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.store.SavePartial(ctx, key, ""); err != nil {
		log.Printf("WARNING: task %s: clearing partial output: %v", key, err)
	}
	s.evaluator.Rearm(key)
	s.Wake()
	return nil
}

// Accept marks a reviewed result as done and runs downstream triggers.
func (s *Service) Accept(ctx context.Context, key scheduler.Key) error {
	if _, err := s.mutate(ctx, key, "accepted", func(t *scheduler.Task) error {
		if t.Status != scheduler.StatusInReview {
			return &TransitionError{Key: key, From: t.Status, Action: "accept"}
		}
		t.Status = scheduler.StatusDone
		return nil
	}); err != nil {
		return err
	}
	s.completed(key)
	return nil
}

// Reset stops any running execution and returns a non-done task to todo.
func (s *Service) Reset(ctx context.Context, key scheduler.Key) error {
	task, err := s.Task(key)
	if err != nil {
		return err
	}
	if task.Status == scheduler.StatusDone {
		return &TransitionError{Key: key, From: task.Status, Action: "reset"}
	}
	if err := s.stopIfRunning(ctx, key); err != nil {
		return err
	}

	if _, err := s.mutate(ctx, key, "reset", func(t *scheduler.Task) error {
		if t.Status == scheduler.StatusDone {
			return &TransitionError{Key: key, From: t.Status, Action: "reset"}
		}
		t.Status = scheduler.StatusTodo
		t.Error = ""
		return nil
	}); err != nil {
		return err
	}

	if err := s.store.SavePartial(ctx, key, ""); err != nil {
		log.Printf("WARNING: task %s: clearing partial output: %v", key, err)
	}
	s.evaluator.Rearm(key)
	s.Wake()
	return nil
}
