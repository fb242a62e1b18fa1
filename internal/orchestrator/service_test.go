package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/backend"
	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/persistence"
	"github.com/aristath/taskpilot/internal/scheduler"
	"github.com/aristath/taskpilot/internal/selector"
)

// fakeStep scripts one Execute call of a fakeBackend.
type fakeStep struct {
	deltas []string
	done   *backend.Completion
	err    error
	block  bool // Wait for the call's context to end instead of finishing
}

// fakeBackend is a scripted backend.Backend. Calls beyond the script
// complete with "ok".
type fakeBackend struct {
	name    string
	mu      sync.Mutex
	steps   []fakeStep
	calls   int
	prompts []string
	started chan struct{} // Signalled after a call's deltas were read
	closed  bool
}

func newFakeBackend(name string, steps ...fakeStep) *fakeBackend {
	return &fakeBackend{name: name, steps: steps, started: make(chan struct{}, 16)}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Execute(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	f.mu.Lock()
	step := fakeStep{done: &backend.Completion{Content: "ok"}}
	if f.calls < len(f.steps) {
		step = f.steps[f.calls]
	}
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()

	ch := make(chan backend.Chunk)
	go func() {
		defer close(ch)
		for _, d := range step.deltas {
			select {
			case ch <- backend.Chunk{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case f.started <- struct{}{}:
		default:
		}
		if step.block {
			<-ctx.Done()
			return
		}

		final := backend.Chunk{Done: step.done}
		if step.err != nil {
			final = backend.Chunk{Err: step.err}
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBackend) Prompt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.prompts) {
		return ""
	}
	return f.prompts[i]
}

func fakeProvider(b *fakeBackend) Provider {
	return Provider{
		Profile: selector.ProviderProfile{ID: b.name, Enabled: true, Model: b.name + "-model"},
		Backend: b,
	}
}

func completes(content string) fakeStep {
	return fakeStep{done: &backend.Completion{Content: content, InputTokens: 10, OutputTokens: 5}}
}

// harness is a service over an in-memory store with one open project.
type harness struct {
	t       *testing.T
	svc     *Service
	store   *persistence.SQLiteStore
	project *scheduler.Project
	events  <-chan events.Event
}

func newHarness(t *testing.T, providers []Provider, configure func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	project, err := store.SaveProject(ctx, &scheduler.Project{Name: "demo", Guidelines: "Be brief.", BaseFolder: t.TempDir()})
	if err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}

	opts := Options{
		Store:     store,
		Providers: providers,
		Retry: RetryConfig{
			MaxAttempts:         3,
			InitialInterval:     time.Millisecond,
			MaxInterval:         5 * time.Millisecond,
			Multiplier:          2.0,
			RandomizationFactor: 0.1,
		},
	}
	if configure != nil {
		configure(&opts)
	}

	svc, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	h := &harness{t: t, svc: svc, store: store, project: project}
	h.events = svc.Bus().SubscribeAll(4096)

	if err := svc.Open(ctx, project.ID); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return h
}

// add creates a task in the harness project.
func (h *harness) add(task *scheduler.Task) *scheduler.Task {
	h.t.Helper()
	task.ProjectID = h.project.ID
	saved, err := h.svc.CreateTask(context.Background(), task)
	if err != nil {
		h.t.Fatalf("CreateTask(%q) failed: %v", task.Title, err)
	}
	return saved
}

func (h *harness) task(key scheduler.Key) *scheduler.Task {
	h.t.Helper()
	task, err := h.svc.Task(key)
	if err != nil {
		h.t.Fatalf("Task(%s) failed: %v", key, err)
	}
	return task
}

func (h *harness) runUntilIdle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.svc.RunUntilIdle(ctx); err != nil {
		h.t.Fatalf("RunUntilIdle failed: %v", err)
	}
}

// drain returns the events published so far.
func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	h := newHarness(t, []Provider{fakeProvider(newFakeBackend("fake"))}, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		task  *scheduler.Task
		field string
	}{
		{"empty title", &scheduler.Task{}, "title"},
		{"unknown provider", &scheduler.Task{Title: "x", AssignedProvider: "nope"}, "assignedProvider"},
		{"missing dependency", &scheduler.Task{Title: "x", Dependencies: []int{42}}, "dependencies"},
		{"bad schedule", &scheduler.Task{Title: "x", Trigger: &scheduler.TriggerConfig{
			DependsOn: scheduler.DependsOn{Operator: scheduler.OperatorAll, ExecutionPolicy: scheduler.PolicyRepeat},
			Schedule:  "not a cron expression",
		}}, "triggerConfig.schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.task.ProjectID = h.project.ID
			_, err := h.svc.CreateTask(ctx, tt.task)
			var verr *scheduler.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}

	tasks, err := h.store.Load(ctx, h.project.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("rejected tasks were stored: %d", len(tasks))
	}
}

func TestCreateTask_ProjectNotOpen(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.svc.CreateTask(context.Background(), &scheduler.Task{ProjectID: h.project.ID + 1, Title: "x"})
	if !errors.Is(err, ErrProjectNotOpen) {
		t.Errorf("expected ErrProjectNotOpen, got %v", err)
	}
}

func TestAddDependency_RejectsCycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	a := h.add(&scheduler.Task{Title: "A"})
	b := h.add(&scheduler.Task{Title: "B", Dependencies: []int{a.Sequence}})

	err := h.svc.AddDependency(ctx, h.project.ID, b.Sequence, a.Sequence)
	var cycle *scheduler.CycleDetectedError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleDetectedError, got %v", err)
	}

	if got := h.task(a.Key()); len(got.Dependencies) != 0 {
		t.Errorf("graph changed: A depends on %v", got.Dependencies)
	}
	tasks, err := h.store.Load(ctx, h.project.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for _, task := range tasks {
		if task.Sequence == a.Sequence && len(task.Dependencies) != 0 {
			t.Errorf("store changed: A depends on %v", task.Dependencies)
		}
	}
}

func TestAddRemoveDependency(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	a := h.add(&scheduler.Task{Title: "A", Type: scheduler.TypeInput})
	b := h.add(&scheduler.Task{Title: "B"})

	if err := h.svc.AddDependency(ctx, h.project.ID, a.Sequence, b.Sequence); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if ready, _ := h.svc.IsReady(b.Key()); ready {
		t.Error("B should wait for A")
	}

	if err := h.svc.RemoveDependency(ctx, h.project.ID, a.Sequence, b.Sequence); err != nil {
		t.Fatalf("RemoveDependency failed: %v", err)
	}
	if ready, _ := h.svc.IsReady(b.Key()); !ready {
		t.Error("B should be ready once the dependency is gone")
	}
	tasks, _ := h.store.Load(ctx, h.project.ID)
	for _, task := range tasks {
		if task.Sequence == b.Sequence && len(task.Dependencies) != 0 {
			t.Errorf("stored dependencies = %v, want none", task.Dependencies)
		}
	}
}

func TestGraphOf_TopologicalOrder(t *testing.T) {
	h := newHarness(t, nil, nil)

	a := h.add(&scheduler.Task{Title: "A"})
	b := h.add(&scheduler.Task{Title: "B"})
	c := h.add(&scheduler.Task{Title: "C", Dependencies: []int{a.Sequence, b.Sequence}})

	tasks, err := h.svc.GraphOf(h.project.ID)
	if err != nil {
		t.Fatalf("GraphOf failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[2].Sequence != c.Sequence {
		t.Errorf("expected C last, got order %d,%d,%d", tasks[0].Sequence, tasks[1].Sequence, tasks[2].Sequence)
	}
}

func TestTriggerOperators_AllAndAny(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	i1 := h.add(&scheduler.Task{Title: "first input", Type: scheduler.TypeInput})
	i2 := h.add(&scheduler.Task{Title: "second input", Type: scheduler.TypeInput})
	all := h.add(&scheduler.Task{Title: "needs both", Dependencies: []int{i1.Sequence, i2.Sequence}})
	anyTask := h.add(&scheduler.Task{
		Title:        "needs one",
		Dependencies: []int{i1.Sequence, i2.Sequence},
		Trigger: &scheduler.TriggerConfig{DependsOn: scheduler.DependsOn{
			TaskIDs:         []int{i1.Sequence, i2.Sequence},
			Operator:        scheduler.OperatorAny,
			ExecutionPolicy: scheduler.PolicyOnce,
		}},
	})

	if err := h.svc.SubmitInput(ctx, i1.Key(), "hello"); err != nil {
		t.Fatalf("SubmitInput failed: %v", err)
	}
	if ready, _ := h.svc.IsReady(all.Key()); ready {
		t.Error("ALL task ready after one of two inputs")
	}
	if ready, _ := h.svc.IsReady(anyTask.Key()); !ready {
		t.Error("ANY task not ready after one input")
	}

	if err := h.svc.SubmitInput(ctx, i2.Key(), "world"); err != nil {
		t.Fatalf("SubmitInput failed: %v", err)
	}
	if ready, _ := h.svc.IsReady(all.Key()); !ready {
		t.Error("ALL task not ready after both inputs")
	}

	got := h.task(i1.Key())
	if got.Status != scheduler.StatusDone || got.Result == nil || got.Result.Content != "hello" {
		t.Errorf("input task = %s %+v, want done with result", got.Status, got.Result)
	}
}

func TestSubmitInput_RejectsNonInputTask(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := h.add(&scheduler.Task{Title: "A"})

	err := h.svc.SubmitInput(context.Background(), a.Key(), "x")
	var verr *scheduler.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if h.task(a.Key()).Status != scheduler.StatusTodo {
		t.Error("task status changed")
	}
}

func TestSetTriggerConfig(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	a := h.add(&scheduler.Task{Title: "A", Type: scheduler.TypeInput})
	b := h.add(&scheduler.Task{Title: "B", Dependencies: []int{a.Sequence}})

	// Trigger IDs must be dependencies
	err := h.svc.SetTriggerConfig(ctx, b.Key(), &scheduler.TriggerConfig{DependsOn: scheduler.DependsOn{
		TaskIDs:         []int{99},
		Operator:        scheduler.OperatorAll,
		ExecutionPolicy: scheduler.PolicyOnce,
	}})
	var verr *scheduler.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// An empty trigger set makes B independent of A
	if err := h.svc.SetTriggerConfig(ctx, b.Key(), &scheduler.TriggerConfig{DependsOn: scheduler.DependsOn{
		Operator:        scheduler.OperatorAll,
		ExecutionPolicy: scheduler.PolicyOnce,
	}}); err != nil {
		t.Fatalf("SetTriggerConfig failed: %v", err)
	}
	if ready, _ := h.svc.IsReady(b.Key()); !ready {
		t.Error("B should be ready with an empty trigger set")
	}

	if err := h.svc.SetTriggerConfig(ctx, b.Key(), nil); err != nil {
		t.Fatalf("SetTriggerConfig(nil) failed: %v", err)
	}
	if ready, _ := h.svc.IsReady(b.Key()); ready {
		t.Error("B should wait for A with the default trigger")
	}
}

func TestUpdateTask(t *testing.T) {
	h := newHarness(t, []Provider{fakeProvider(newFakeBackend("fake"))}, nil)
	a := h.add(&scheduler.Task{Title: "A", Description: "old"})

	edit := h.task(a.Key())
	edit.Title = "A renamed"
	edit.Description = "new"
	edit.Priority = 7
	edit.Status = scheduler.StatusDone // Ignored

	saved, err := h.svc.UpdateTask(context.Background(), edit)
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if saved.Title != "A renamed" || saved.Description != "new" || saved.Priority != 7 {
		t.Errorf("edit not applied: %+v", saved)
	}
	if saved.Status != scheduler.StatusTodo {
		t.Errorf("status = %s, want todo", saved.Status)
	}

	edit.AssignedProvider = "missing"
	if _, err := h.svc.UpdateTask(context.Background(), edit); err == nil {
		t.Error("expected unknown provider to be rejected")
	}
}

func TestDeleteTask_SeversDependents(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	a := h.add(&scheduler.Task{Title: "A", Type: scheduler.TypeInput})
	b := h.add(&scheduler.Task{
		Title:        "B",
		Dependencies: []int{a.Sequence},
		Trigger: &scheduler.TriggerConfig{DependsOn: scheduler.DependsOn{
			TaskIDs:         []int{a.Sequence},
			Operator:        scheduler.OperatorAll,
			PassResultsFrom: []int{a.Sequence},
			ExecutionPolicy: scheduler.PolicyOnce,
		}},
	})
	child := h.add(&scheduler.Task{Title: "child", ParentTaskID: &a.Sequence})
	both := h.add(&scheduler.Task{Title: "dependent child", ParentTaskID: &a.Sequence, Dependencies: []int{a.Sequence}})

	if err := h.svc.DeleteTask(ctx, a.Key()); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}

	if _, err := h.svc.Task(a.Key()); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	got := h.task(b.Key())
	if len(got.Dependencies) != 0 {
		t.Errorf("B dependencies = %v, want none", got.Dependencies)
	}
	if got.Trigger != nil && (len(got.Trigger.DependsOn.TaskIDs) != 0 || len(got.Trigger.DependsOn.PassResultsFrom) != 0) {
		t.Errorf("B trigger still references A: %+v", got.Trigger.DependsOn)
	}
	if ready, _ := h.svc.IsReady(b.Key()); !ready {
		t.Error("B should be ready after its only dependency was deleted")
	}
	if h.task(child.Key()).ParentTaskID != nil {
		t.Error("child still references deleted parent")
	}
	if got := h.task(both.Key()); got.ParentTaskID != nil || len(got.Dependencies) != 0 {
		t.Errorf("dependent child = parent %v deps %v, want both cleared", got.ParentTaskID, got.Dependencies)
	}

	tasks, err := h.store.Load(ctx, h.project.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("stored tasks = %d, want 3", len(tasks))
	}
	for _, task := range tasks {
		if len(task.Dependencies) != 0 {
			t.Errorf("stored task %d still depends on %v", task.Sequence, task.Dependencies)
		}
		if task.ParentTaskID != nil {
			t.Errorf("stored task %d still has parent %d", task.Sequence, *task.ParentTaskID)
		}
		if task.Trigger != nil && len(task.Trigger.DependsOn.TaskIDs) != 0 {
			t.Errorf("stored task %d trigger still names %v", task.Sequence, task.Trigger.DependsOn.TaskIDs)
		}
	}
}

func TestOpen_ResetsInProgressTasks(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	defer store.Close()

	project, err := store.SaveProject(ctx, &scheduler.Project{Name: "resume"})
	if err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}
	a, err := store.Save(ctx, &scheduler.Task{ProjectID: project.ID, Title: "A", Type: scheduler.TypeAI, Status: scheduler.StatusInProgress})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	b, err := store.Save(ctx, &scheduler.Task{ProjectID: project.ID, Title: "B", Type: scheduler.TypeAI, Status: scheduler.StatusTodo, Dependencies: []int{a.Sequence}})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	svc, err := New(Options{Store: store})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer svc.Close()

	if err := svc.Open(ctx, project.ID); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	// Opening twice is a no-op
	if err := svc.Open(ctx, project.ID); err != nil {
		t.Fatalf("second Open failed: %v", err)
	}

	got, err := svc.Task(a.Key())
	if err != nil {
		t.Fatalf("Task failed: %v", err)
	}
	if got.Status != scheduler.StatusTodo {
		t.Errorf("status = %s, want todo", got.Status)
	}
	if _, err := svc.Task(b.Key()); err != nil {
		t.Errorf("dependent task missing after Open: %v", err)
	}

	tasks, _ := store.Load(ctx, project.ID)
	for _, task := range tasks {
		if task.Status == scheduler.StatusInProgress {
			t.Errorf("task %d still in_progress in store", task.Sequence)
		}
	}
}

func TestNew_RejectsUnknownRepeatMode(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	defer store.Close()

	if _, err := New(Options{Store: store, RepeatMode: "sometimes"}); err == nil {
		t.Error("expected error for unknown repeat mode")
	}
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without a store")
	}
}

func TestSetProviders_ClosesRemovedBackends(t *testing.T) {
	first := newFakeBackend("first")
	second := newFakeBackend("second")
	h := newHarness(t, []Provider{fakeProvider(first), fakeProvider(second)}, nil)

	if err := h.svc.SetProviders([]Provider{fakeProvider(second)}); err != nil {
		t.Fatalf("SetProviders failed: %v", err)
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("removed backend was not closed")
	}
	second.mu.Lock()
	closed = second.closed
	second.mu.Unlock()
	if closed {
		t.Error("kept backend was closed")
	}

	err := h.svc.SetProviders([]Provider{{Profile: selector.ProviderProfile{ID: "x", Enabled: true}}})
	if err == nil {
		t.Error("expected error for enabled provider without backend")
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 */2 * * * *", "@hourly", "@every 10m"} {
		if err := ValidateSchedule(expr); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", expr, err)
		}
	}
	for _, expr := range []string{"", "every tuesday", "* * *"} {
		if err := ValidateSchedule(expr); err == nil {
			t.Errorf("ValidateSchedule(%q) succeeded, want error", expr)
		}
	}
}

func TestRecurring_TickMakesScheduledTaskEligible(t *testing.T) {
	h := newHarness(t, []Provider{fakeProvider(newFakeBackend("fake"))}, nil)

	task := h.add(&scheduler.Task{
		Title: "nightly",
		Trigger: &scheduler.TriggerConfig{
			DependsOn: scheduler.DependsOn{Operator: scheduler.OperatorAll, ExecutionPolicy: scheduler.PolicyRepeat},
			Schedule:  "@every 1h",
		},
	})
	if !h.svc.recurring.scheduled(task.Key()) {
		t.Fatal("task was not registered with the cron scheduler")
	}

	keys, _ := h.svc.Dispatchable(h.project.ID)
	if len(keys) != 0 {
		t.Fatalf("scheduled task dispatchable before its first tick: %v", keys)
	}

	h.svc.tick(task.Key())
	keys, _ = h.svc.Dispatchable(h.project.ID)
	if len(keys) != 1 || keys[0] != task.Key() {
		t.Errorf("Dispatchable after tick = %v, want [%s]", keys, task.Key())
	}

	if err := h.svc.DeleteTask(context.Background(), task.Key()); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if h.svc.recurring.scheduled(task.Key()) {
		t.Error("deleted task still scheduled")
	}
}

func statusTrail(evs []events.Event) []string {
	var out []string
	for _, ev := range evs {
		if sc, ok := ev.(events.StatusChangedEvent); ok && sc.OldStatus != "" {
			out = append(out, fmt.Sprintf("%d:%s", sc.Key.Sequence, sc.NewStatus))
		}
	}
	return out
}

func TestPause_HidesTaskFromDispatch(t *testing.T) {
	h := newHarness(t, []Provider{fakeProvider(newFakeBackend("fake"))}, nil)
	ctx := context.Background()
	a := h.add(&scheduler.Task{Title: "A"})

	if err := h.svc.Pause(ctx, a.Key()); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if ready, _ := h.svc.IsReady(a.Key()); ready {
		t.Error("paused task reported ready")
	}
	if keys, _ := h.svc.Dispatchable(h.project.ID); len(keys) != 0 {
		t.Errorf("paused task dispatchable: %v", keys)
	}

	if err := h.svc.Resume(ctx, a.Key()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if ready, _ := h.svc.IsReady(a.Key()); !ready {
		t.Error("resumed task not ready")
	}
	keys, _ := h.svc.Dispatchable(h.project.ID)
	if len(keys) != 1 || keys[0] != a.Key() {
		t.Errorf("Dispatchable = %v, want [%s]", keys, a.Key())
	}
}
