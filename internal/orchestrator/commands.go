package orchestrator

import (
	"context"
	"fmt"
	"log"
	"slices"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// CreateTask adds a task to an open project. The store assigns its
// sequence; the task starts in todo. Dependencies and the parent must
// already exist in the project.
func (s *Service) CreateTask(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error) {
	if task == nil {
		return nil, &scheduler.ValidationError{Reason: "task is nil"}
	}
	t := task.Clone()
	t.Sequence = 0
	t.Status = scheduler.StatusTodo
	t.Result = nil
	t.Error = ""
	if t.Type == "" {
		t.Type = scheduler.TypeAI
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkProvider(t.AssignedProvider); err != nil {
		return nil, err
	}
	if t.Trigger != nil && t.Trigger.Schedule != "" {
		if err := ValidateSchedule(t.Trigger.Schedule); err != nil {
			return nil, err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	g, _, err := s.graph(t.ProjectID)
	if err != nil {
		return nil, err
	}
	for _, dep := range t.Dependencies {
		if _, ok := g.Get(dep); !ok {
			return nil, &scheduler.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("task %d not in project", dep)}
		}
	}
	if t.ParentTaskID != nil {
		if _, ok := g.Get(*t.ParentTaskID); !ok {
			return nil, &scheduler.ValidationError{Field: "parentTaskId", Reason: fmt.Sprintf("task %d not in project", *t.ParentTaskID)}
		}
	}

	saved, err := s.store.Save(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := g.AddTask(saved); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), saved.Key()); derr != nil {
			log.Printf("ERROR: task %s stored but not added to graph: %v", saved.Key(), derr)
		}
		return nil, err
	}

	s.reschedule(saved)
	s.publishStatus(saved, "", "created")
	s.publishProgress(saved.ProjectID)
	s.Wake()
	return saved, nil
}

// UpdateTask edits a task's descriptive fields: title, description,
// priority, type, assigned provider, review flag, order, tags, estimate and
// result. Status, dependencies and trigger have their own operations.
func (s *Service) UpdateTask(ctx context.Context, edit *scheduler.Task) (*scheduler.Task, error) {
	if edit == nil {
		return nil, &scheduler.ValidationError{Reason: "task is nil"}
	}
	if err := s.checkProvider(edit.AssignedProvider); err != nil {
		return nil, err
	}

	var mutated bool
	saved, err := s.mutate(ctx, edit.Key(), "", func(t *scheduler.Task) error {
		mutated = t.Description != edit.Description || !sameResult(t.Result, edit.Result)

		t.Title = edit.Title
		t.Description = edit.Description
		t.Priority = edit.Priority
		t.Type = edit.Type
		t.AssignedProvider = edit.AssignedProvider
		t.ReviewRequired = edit.ReviewRequired
		t.Order = edit.Order
		t.Tags = slices.Clone(edit.Tags)
		t.EstimatedMinutes = edit.EstimatedMinutes
		if edit.Result != nil {
			r := *edit.Result
			t.Result = &r
		} else {
			t.Result = nil
		}
		return t.Validate()
	})
	if err != nil {
		return nil, err
	}

	s.evaluator.Release(saved.Key())
	if mutated {
		s.evaluator.Mutated(saved.Key())
	}
	s.Wake()
	return saved, nil
}

func sameResult(a, b *scheduler.Result) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Service) checkProvider(id string) error {
	if id == "" {
		return nil
	}
	if _, ok := s.provider(id); !ok {
		return &scheduler.ValidationError{Field: "assignedProvider", Reason: fmt.Sprintf("unknown provider %q", id)}
	}
	return nil
}

// DeleteTask stops any running execution, removes the task and severs it
// from its dependents' dependency and trigger sets. Children of the task
// lose their parent reference.
func (s *Service) DeleteTask(ctx context.Context, key scheduler.Key) error {
	if err := s.stopIfRunning(ctx, key); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	g, _, err := s.lookup(key)
	if err != nil {
		return err
	}
	// Dependents lose the edge and trigger references; children lose the parent
	rewrites := make(map[int]*scheduler.Task)
	for _, t := range g.Severed(key.Sequence) {
		rewrites[t.Sequence] = t
	}
	for _, t := range g.Tasks() {
		if t.ParentTaskID == nil || *t.ParentTaskID != key.Sequence {
			continue
		}
		if r, ok := rewrites[t.Sequence]; ok {
			t = r
		}
		t.ParentTaskID = nil
		rewrites[t.Sequence] = t
	}
	batch := make([]*scheduler.Task, 0, len(rewrites))
	for _, t := range rewrites {
		batch = append(batch, t)
	}
	slices.SortFunc(batch, func(a, b *scheduler.Task) int { return a.Sequence - b.Sequence })

	saved, err := s.store.DeleteAndSave(ctx, key, batch)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", key, err)
	}
	if err := g.RemoveTask(key.Sequence); err != nil {
		return err
	}
	for _, t := range saved {
		if err := g.UpdateTask(t); err != nil {
			log.Printf("ERROR: task %s: %v", t.Key(), err)
		}
	}

	s.evaluator.Forget(key)
	s.recurring.remove(key)
	s.runMu.Lock()
	delete(s.deferred, key)
	s.runMu.Unlock()

	s.publishProgress(key.ProjectID)
	s.Wake()
	return nil
}

// AddDependency makes task to depend on task from. An edge that would close
// a cycle is rejected with *scheduler.CycleDetectedError and nothing changes.
func (s *Service) AddDependency(ctx context.Context, projectID int64, from, to int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	g, _, err := s.graph(projectID)
	if err != nil {
		return err
	}
	if err := g.AddEdge(from, to, s.persistEdge(ctx)); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// RemoveDependency drops the dependency of to on from, including trigger
// references to from.
func (s *Service) RemoveDependency(ctx context.Context, projectID int64, from, to int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	g, _, err := s.graph(projectID)
	if err != nil {
		return err
	}
	if err := g.RemoveEdge(from, to, s.persistEdge(ctx)); err != nil {
		return err
	}
	s.Wake()
	return nil
}

func (s *Service) persistEdge(ctx context.Context) func(*scheduler.Task) error {
	return func(t *scheduler.Task) error {
		if _, err := s.store.Save(ctx, t); err != nil {
			return fmt.Errorf("save task %s: %w", t.Key(), err)
		}
		return nil
	}
}

// SetTriggerConfig replaces a task's trigger. A nil config restores the
// default: ALL of its dependencies, once.
func (s *Service) SetTriggerConfig(ctx context.Context, key scheduler.Key, tc *scheduler.TriggerConfig) error {
	if tc != nil && tc.Schedule != "" {
		if err := ValidateSchedule(tc.Schedule); err != nil {
			return err
		}
	}

	saved, err := s.mutate(ctx, key, "", func(t *scheduler.Task) error {
		if tc == nil {
			t.Trigger = nil
			return nil
		}
		if err := scheduler.ValidateTrigger(tc, t.Dependencies); err != nil {
			return err
		}
		t.Trigger = (&scheduler.Task{Trigger: tc}).Clone().Trigger
		return nil
	})
	if err != nil {
		return err
	}

	s.reschedule(saved)
	s.evaluator.Release(key)
	s.Wake()
	return nil
}

// SubmitInput completes an input task with user-supplied content.
func (s *Service) SubmitInput(ctx context.Context, key scheduler.Key, content string) error {
	_, err := s.mutate(ctx, key, "input submitted", func(t *scheduler.Task) error {
		if t.Type != scheduler.TypeInput {
			return &scheduler.ValidationError{Field: "taskType", Reason: fmt.Sprintf("task %s is %s, only input tasks accept input", key, t.Type)}
		}
		t.Result = &scheduler.Result{Content: content, ContentType: contentTypeText}
		t.Status = scheduler.StatusDone
		t.Error = ""
		return nil
	})
	if err != nil {
		return err
	}
	s.completed(key)
	return nil
}
