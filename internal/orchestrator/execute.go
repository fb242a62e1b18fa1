package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/macro"
	"github.com/aristath/taskpilot/internal/ratelimit"
	"github.com/aristath/taskpilot/internal/scheduler"
	"github.com/aristath/taskpilot/internal/selector"
)

const (
	scriptProvider = "script" // Breaker and record name for script tasks
	outputProvider = "output" // Record name for output tasks

	contentTypeText     = "text/plain"
	contentTypeMarkdown = "text/markdown"

	// capabilityTag prefixes task tags that name a required provider capability.
	capabilityTag = "cap:"
)

// runTarget is where one execution is sent.
type runTarget struct {
	id      string
	model   string
	backend backend.Backend
	timeout time.Duration
}

// continuation carries the partial output of an approved execution.
type continuation struct {
	partial string
}

func runnableStatus(task *scheduler.Task) bool {
	switch task.Status {
	case scheduler.StatusTodo:
		return true
	case scheduler.StatusDone:
		return task.EffectiveTrigger().DependsOn.ExecutionPolicy == scheduler.PolicyRepeat
	}
	return false
}

// Execute runs one execution of the task. It is a no-op if an execution of
// key is already in flight. Admission control may defer the task, in which
// case Execute returns nil and the runner retries it after the retry-after
// hint. Errors that block the task are recorded on it and also returned.
func (s *Service) Execute(ctx context.Context, key scheduler.Key) error {
	if !s.locks.TryAcquire(key) {
		return nil
	}
	exec := s.track(ctx, key)
	defer s.untrack(exec)

	return s.execute(ctx, exec, nil)
}

func (s *Service) track(ctx context.Context, key scheduler.Key) *execution {
	exec := &execution{
		unit: scheduler.NewUnit(ctx, key),
		done: make(chan struct{}),
	}
	s.runMu.Lock()
	s.running[key] = exec
	s.runMu.Unlock()
	return exec
}

// untrack releases the in-flight lock before signalling Stop callers.
func (s *Service) untrack(exec *execution) {
	key := exec.unit.Key()
	s.runMu.Lock()
	delete(s.running, key)
	s.runMu.Unlock()

	s.locks.Release(key)
	exec.unit.Release()
	close(exec.done)
	s.Wake()
}

func (s *Service) inflight(key scheduler.Key) (*execution, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	exec, ok := s.running[key]
	return exec, ok
}

func (s *Service) execute(ctx context.Context, exec *execution, cont *continuation) error {
	key := exec.unit.Key()
	g, project, err := s.graph(key.ProjectID)
	if err != nil {
		return err
	}
	task, ok := g.Get(key.Sequence)
	if !ok {
		return fmt.Errorf("task %s: %w", key, scheduler.ErrTaskNotFound)
	}

	from := []scheduler.TaskStatus{scheduler.StatusNeedsApproval}
	if cont == nil {
		if err := checkRunnable(g, task); err != nil {
			return err
		}
		from = []scheduler.TaskStatus{task.Status}
		s.evaluator.Fire(task)
	} else if task.Status != scheduler.StatusNeedsApproval {
		return &TransitionError{Key: key, From: task.Status, Action: "approve"}
	}

	// Resolution failures abort before any provider is contacted
	prompt, err := macro.NewResolver(project, g.Get).Prompt(task)
	if err != nil {
		return s.notStarted(ctx, task, "", err)
	}
	if cont != nil {
		prompt = continuationPrompt(prompt, cont.partial)
	}

	req := backend.Request{Prompt: prompt, WorkDir: project.BaseFolder}
	var target runTarget
	switch task.Type {
	case scheduler.TypeOutput:
		return s.finishOutput(ctx, task, prompt)
	case scheduler.TypeScript:
		target = runTarget{id: scriptProvider, backend: s.script}
	default:
		p, sel, err := s.selectProvider(task, prompt)
		if err != nil {
			var open *BreakerOpenError
			if errors.As(err, &open) {
				s.requeue(key, open.Provider, s.breakers.Timeout())
				return nil
			}
			return s.notStarted(ctx, task, "", err)
		}
		if err := s.limits.Admit(p.id(), 1); err != nil {
			var exceeded *ratelimit.ExceededError
			if errors.As(err, &exceeded) {
				s.requeue(key, p.id(), exceeded.RetryAfter)
				return nil
			}
			return s.notStarted(ctx, task, p.id(), err)
		}
		target = runTarget{id: p.id(), model: sel.Model, backend: p.Backend, timeout: p.Timeout}
		req.Model = sel.Model
		req.System = backend.ApprovalInstructions
	}

	release, err := s.limits.Acquire(exec.unit.Context(), target.id)
	if err != nil {
		return s.stopped(context.WithoutCancel(ctx), exec, scheduler.ExecutionRecord{Key: key, Provider: target.id, StartedAt: s.now()}, err)
	}
	defer release()

	return s.run(ctx, exec, task, from, target, req)
}

func checkRunnable(g *scheduler.Graph, task *scheduler.Task) error {
	if task.Type == scheduler.TypeInput {
		return &scheduler.ValidationError{Field: "taskType", Reason: "input tasks are completed with submitted input"}
	}
	if !runnableStatus(task) {
		return &TransitionError{Key: task.Key(), From: task.Status, Action: "execute"}
	}
	if !scheduler.Satisfied(task, scheduler.GraphStatus(g)) {
		return fmt.Errorf("task %s: %w", task.Key(), scheduler.ErrNotReady)
	}
	if task.IsSubdivided && !g.ChildrenDone(task.Sequence) {
		return fmt.Errorf("task %s: subtasks pending: %w", task.Key(), scheduler.ErrNotReady)
	}
	return nil
}

func continuationPrompt(prompt, partial string) string {
	var b strings.Builder
	b.WriteString(prompt)
	if partial != "" {
		b.WriteString("\n\n## Your previous response\n\n")
		b.WriteString(partial)
	}
	b.WriteString("\n\nThe action you asked to confirm has been approved. Continue the task.")
	return b.String()
}

// selectProvider picks a provider for an ai task. When the only obstacle is
// an open circuit breaker a *BreakerOpenError is returned so the task can be
// requeued instead of failing.
func (s *Service) selectProvider(task *scheduler.Task, prompt string) (*provider, *selector.Selection, error) {
	req := selector.Requirements{
		Capabilities:          capabilities(task.Tags),
		MaxCost:               s.maxCost,
		MaxLatency:            s.maxLatency,
		EstimatedInputTokens:  len(prompt) / 4,
		EstimatedOutputTokens: s.estimatedTokens,
		Provider:              task.AssignedProvider,
		Unavailable:           s.breakers.Unavailable(),
	}
	profiles := s.profiles()

	sel, err := selector.Select(req, profiles)
	if err != nil {
		var none *selector.NoEligibleProviderError
		if errors.As(err, &none) && len(req.Unavailable) > 0 {
			req.Unavailable = nil
			if alt, aerr := selector.Select(req, profiles); aerr == nil {
				return nil, nil, &BreakerOpenError{Provider: alt.Provider, Err: err}
			}
		}
		return nil, nil, err
	}

	p, ok := s.provider(sel.Provider)
	if !ok || p.Backend == nil {
		return nil, nil, &scheduler.ValidationError{Field: "assignedProvider", Reason: fmt.Sprintf("provider %q has no backend", sel.Provider)}
	}
	return p, sel, nil
}

func capabilities(tags []string) []string {
	var caps []string
	for _, tag := range tags {
		if c, ok := strings.CutPrefix(tag, capabilityTag); ok && c != "" {
			caps = append(caps, c)
		}
	}
	return caps
}

// requeue defers key until after has passed. The task keeps its status.
func (s *Service) requeue(key scheduler.Key, provider string, after time.Duration) {
	s.evaluator.Rearm(key)
	s.runMu.Lock()
	s.deferred[key] = struct{}{}
	s.runMu.Unlock()

	s.pending.Add(1)
	time.AfterFunc(after, func() {
		s.runMu.Lock()
		delete(s.deferred, key)
		s.runMu.Unlock()
		s.pending.Add(-1)
		s.Wake()
	})

	log.Printf("task %s requeued: provider %s unavailable for %s", key, provider, after)
	s.bus.Publish(events.TopicExecution, events.ExecutionRequeuedEvent{
		Key:        key,
		Provider:   provider,
		RetryAfter: after,
		Timestamp:  s.now(),
	})
}

func (s *Service) isDeferred(key scheduler.Key) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.deferred[key]
	return ok
}

// run moves the task to in_progress, calls the target with retries and
// records the outcome.
func (s *Service) run(ctx context.Context, exec *execution, task *scheduler.Task, from []scheduler.TaskStatus, target runTarget, req backend.Request) error {
	key := task.Key()
	unit := exec.unit
	wctx := context.WithoutCancel(ctx)

	if task.IsPaused {
		unit.Pause()
	}
	if _, err := s.mutate(wctx, key, "", func(t *scheduler.Task) error {
		if !slices.Contains(from, t.Status) {
			return &TransitionError{Key: key, From: t.Status, Action: "start"}
		}
		t.Status = scheduler.StatusInProgress
		t.Error = ""
		return nil
	}); err != nil {
		return err
	}

	rec := scheduler.ExecutionRecord{
		ID:        uuid.NewString(),
		Key:       key,
		Provider:  target.id,
		Model:     target.model,
		StartedAt: s.now(),
	}

	// The first call was admitted in execute
	admit := func() error {
		return s.limits.Admit(target.id, 1)
	}
	call := func(ctx context.Context) (*backend.Completion, error) {
		return s.stream(ctx, unit, target, req)
	}
	notify := func(attempt int, err error, delay time.Duration) {
		log.Printf("WARNING: task %s attempt %d on %s failed, retrying in %s: %v", key, attempt, target.id, delay, err)
	}
	done, attempts, err := callWithRetry(unit.Context(), s.breakers.Get(target.id), s.retry, admit, call, notify)
	rec.Attempts = attempts
	rec.Duration = s.now().Sub(rec.StartedAt)

	var (
		open     *BreakerOpenError
		exceeded *ratelimit.ExceededError
	)
	switch {
	case err == nil:
		return s.finish(wctx, task, rec, done)
	case unit.Stopped() || errors.Is(err, context.Canceled):
		return s.stopped(wctx, exec, rec, err)
	case errors.As(err, &open):
		// The breaker tripped between selection and the call
		return s.putBack(wctx, key, from[0], target.id, s.breakers.Timeout(), err)
	case errors.As(err, &exceeded):
		// A retry was denied admission
		return s.putBack(wctx, key, from[0], target.id, exceeded.RetryAfter, err)
	default:
		return s.block(wctx, key, rec, err)
	}
}

// putBack returns a started task to status and requeues it.
func (s *Service) putBack(ctx context.Context, key scheduler.Key, status scheduler.TaskStatus, provider string, after time.Duration, cause error) error {
	if _, err := s.mutate(ctx, key, cause.Error(), func(t *scheduler.Task) error {
		t.Status = status
		return nil
	}); err != nil {
		return err
	}
	s.requeue(key, provider, after)
	return nil
}

// notStarted records a failure that kept an execution from reaching its
// provider. The task keeps its status and is held until one of its trigger
// tasks completes again.
func (s *Service) notStarted(ctx context.Context, task *scheduler.Task, provider string, cause error) error {
	key := task.Key()
	wctx := context.WithoutCancel(ctx)

	s.evaluator.Hold(task)
	if _, err := s.mutate(wctx, key, cause.Error(), func(t *scheduler.Task) error {
		t.Error = cause.Error()
		return nil
	}); err != nil {
		log.Printf("ERROR: task %s: recording failure %v: %v", key, cause, err)
	}

	s.record(wctx, scheduler.ExecutionRecord{
		ID:        uuid.NewString(),
		Key:       key,
		Provider:  provider,
		Outcome:   scheduler.OutcomeNotStarted,
		Error:     cause.Error(),
		StartedAt: s.now(),
	}, cause)
	return cause
}

// stream performs one attempt. Deltas are appended to the unit and
// published as progress. A paused unit stops reading, which holds the
// provider stream where it is.
func (s *Service) stream(ctx context.Context, unit *scheduler.Unit, target runTarget, req backend.Request) (*backend.Completion, error) {
	if err := unit.WaitWhilePaused(); err != nil {
		return nil, err
	}
	unit.ResetPartial()

	if target.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.timeout)
		defer cancel()
	}

	ch, err := target.backend.Execute(ctx, req)
	if err != nil {
		return nil, backend.Classify(target.id, err)
	}

	for c := range ch {
		if err := unit.WaitWhilePaused(); err != nil {
			return nil, err
		}
		switch {
		case c.Err != nil:
			return nil, backend.Classify(target.id, c.Err)
		case c.Done != nil:
			return c.Done, nil
		case c.Delta != "":
			unit.Append(c.Delta)
			s.bus.Publish(events.TopicTask, events.ProgressEvent{
				Key:          unit.Key(),
				ContentDelta: c.Delta,
				Timestamp:    s.now(),
			})
		}
	}

	// Closed without a final chunk: the context ended first
	if err := unit.Context().Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &backend.TransientError{Provider: target.id, Err: err}
	}
	return nil, &backend.TransientError{Provider: target.id, Err: errors.New("stream ended without completion")}
}

// finish stores a successful completion. The result is durable before the
// task reaches done, and downstream evaluation runs after that write.
func (s *Service) finish(ctx context.Context, task *scheduler.Task, rec scheduler.ExecutionRecord, done *backend.Completion) error {
	key := task.Key()
	rec.InputTokens = done.InputTokens
	rec.OutputTokens = done.OutputTokens
	rec.Cost = done.Cost

	if done.NeedsApproval {
		if err := s.store.SavePartial(ctx, key, done.Content); err != nil {
			return fmt.Errorf("task %s: save partial output: %w", key, err)
		}
		if _, err := s.mutate(ctx, key, done.ApprovalReason, func(t *scheduler.Task) error {
			t.Status = scheduler.StatusNeedsApproval
			return nil
		}); err != nil {
			return err
		}
		rec.Outcome = scheduler.OutcomeNeedsApproval
		s.record(ctx, rec, nil)
		return nil
	}

	saved, err := s.mutate(ctx, key, "", func(t *scheduler.Task) error {
		t.Result = &scheduler.Result{Content: done.Content, ContentType: contentTypeMarkdown}
		t.Error = ""
		if t.ReviewRequired {
			t.Status = scheduler.StatusInReview
		} else {
			t.Status = scheduler.StatusDone
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.store.SavePartial(ctx, key, ""); err != nil {
		log.Printf("WARNING: task %s: clearing partial output: %v", key, err)
	}

	rec.Outcome = scheduler.OutcomeSucceeded
	s.record(ctx, rec, nil)
	if saved.Status == scheduler.StatusDone {
		s.completed(key)
	}
	return nil
}

// finishOutput stores the resolved prompt of an output task as its result.
func (s *Service) finishOutput(ctx context.Context, task *scheduler.Task, prompt string) error {
	start := s.now()
	done := &backend.Completion{Content: prompt}
	rec := scheduler.ExecutionRecord{
		ID:        uuid.NewString(),
		Key:       task.Key(),
		Provider:  outputProvider,
		Attempts:  1,
		StartedAt: start,
	}
	return s.finish(context.WithoutCancel(ctx), task, rec, done)
}

// stopped keeps whatever was streamed as partial output. The status is left
// for the caller to decide.
func (s *Service) stopped(ctx context.Context, exec *execution, rec scheduler.ExecutionRecord, err error) error {
	key := exec.unit.Key()
	if partial := exec.unit.Partial(); partial != "" {
		if perr := s.store.SavePartial(ctx, key, partial); perr != nil {
			log.Printf("ERROR: task %s: saving partial output: %v", key, perr)
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Outcome = scheduler.OutcomeStopped
	rec.Error = err.Error()
	s.record(ctx, rec, err)
	return nil
}

// block moves the task to blocked with the error recorded on it.
func (s *Service) block(ctx context.Context, key scheduler.Key, rec scheduler.ExecutionRecord, cause error) error {
	if _, err := s.mutate(ctx, key, cause.Error(), func(t *scheduler.Task) error {
		t.Status = scheduler.StatusBlocked
		t.Error = cause.Error()
		return nil
	}); err != nil {
		log.Printf("ERROR: task %s: recording failure %v: %v", key, cause, err)
	}
	rec.Outcome = scheduler.OutcomeBlocked
	rec.Error = cause.Error()
	s.record(ctx, rec, cause)
	return fmt.Errorf("task %s blocked: %w", key, cause)
}

// record persists an execution record and publishes it. A nil err means
// the execution completed.
func (s *Service) record(ctx context.Context, rec scheduler.ExecutionRecord, err error) {
	if serr := s.store.SaveExecution(ctx, rec); serr != nil {
		log.Printf("ERROR: task %s: saving execution record: %v", rec.Key, serr)
	}
	if err == nil {
		s.bus.Publish(events.TopicExecution, events.ExecutionCompletedEvent{Record: rec, Timestamp: s.now()})
		return
	}
	s.bus.Publish(events.TopicExecution, events.ExecutionFailedEvent{Record: rec, Err: err, Timestamp: s.now()})
}
