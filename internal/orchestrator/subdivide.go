package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/scheduler"
	"github.com/aristath/taskpilot/internal/subdivide"
)

// SuggestSubdivision asks a provider how to split the task. The call goes
// through provider selection, admission control and retries like any
// execution, and every retry is admitted again. A rate limit denial is
// returned to the caller as *ratelimit.ExceededError. The graph is not
// changed.
func (s *Service) SuggestSubdivision(ctx context.Context, key scheduler.Key) (*subdivide.Suggestion, error) {
	_, project, err := s.graph(key.ProjectID)
	if err != nil {
		return nil, err
	}
	task, err := s.Task(key)
	if err != nil {
		return nil, err
	}

	prompt := subdivide.Prompt(project, task)
	p, sel, err := s.selectProvider(task, prompt)
	if err != nil {
		return nil, err
	}
	if err := s.limits.Admit(p.id(), 1); err != nil {
		return nil, err
	}
	release, err := s.limits.Acquire(ctx, p.id())
	if err != nil {
		return nil, err
	}
	defer release()

	req := backend.Request{Prompt: prompt, Model: sel.Model, WorkDir: project.BaseFolder}
	call := func(ctx context.Context) (*backend.Completion, error) {
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		ch, err := p.Backend.Execute(ctx, req)
		if err != nil {
			return nil, backend.Classify(p.id(), err)
		}
		done, err := backend.Collect(ch)
		if err != nil {
			return nil, backend.Classify(p.id(), err)
		}
		return done, nil
	}
	notify := func(attempt int, err error, delay time.Duration) {
		log.Printf("WARNING: subdivision of task %s attempt %d failed, retrying in %s: %v", key, attempt, delay, err)
	}

	rec := scheduler.ExecutionRecord{
		ID:        uuid.NewString(),
		Key:       key,
		Provider:  p.id(),
		Model:     sel.Model,
		StartedAt: s.now(),
	}
	admit := func() error {
		return s.limits.Admit(p.id(), 1)
	}
	done, attempts, err := callWithRetry(ctx, s.breakers.Get(p.id()), s.retry, admit, call, notify)
	rec.Attempts = attempts
	rec.Duration = s.now().Sub(rec.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("suggest subdivision of task %s: %w", key, err)
	}
	rec.InputTokens = done.InputTokens
	rec.OutputTokens = done.OutputTokens
	rec.Cost = done.Cost
	rec.Outcome = scheduler.OutcomeSucceeded
	if err := s.store.SaveExecution(context.WithoutCancel(ctx), rec); err != nil {
		log.Printf("ERROR: task %s: saving subdivision record: %v", key, err)
	}

	return subdivide.Parse(done.Content)
}

// ConfirmSubdivision creates one child task per subtask, each with
// parentTaskId set to the parent's sequence, and marks the parent as
// subdivided. Children do not depend on each other. If any step fails the
// children created so far are deleted.
func (s *Service) ConfirmSubdivision(ctx context.Context, parent scheduler.Key, subtasks []subdivide.Subtask) ([]*scheduler.Task, error) {
	task, err := s.Task(parent)
	if err != nil {
		return nil, err
	}
	if task.IsSubdivided {
		return nil, &scheduler.ValidationError{Field: "isSubdivided", Reason: fmt.Sprintf("task %s is already subdivided", parent)}
	}
	if len(subtasks) == 0 {
		return nil, subdivide.ErrNoSubtasks
	}

	var created []*scheduler.Task
	rollback := func() {
		for _, c := range created {
			if err := s.DeleteTask(context.WithoutCancel(ctx), c.Key()); err != nil {
				log.Printf("ERROR: subdivision of task %s: removing child %s: %v", parent, c.Key(), err)
			}
		}
	}

	for _, child := range subdivide.Children(task, subtasks) {
		saved, err := s.CreateTask(ctx, child)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("subdivide task %s: %w", parent, err)
		}
		created = append(created, saved)
	}

	if _, err := s.mutate(ctx, parent, "", func(t *scheduler.Task) error {
		t.IsSubdivided = true
		return nil
	}); err != nil {
		rollback()
		return nil, err
	}
	return created, nil
}
